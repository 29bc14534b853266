//go:build !linux && !darwin

package stream

import (
	"net"
	"strings"
	"syscall"
)

// sendmsgBuffers недоступен: платформа не поддерживает отправку из
// нескольких буферов одним вызовом. Writer переключается на резервный
// путь со склейкой буферов.
func sendmsgBuffers(raw syscall.RawConn, header, payload []byte) error {
	return errScatterGather
}

func setSockOptMedia(conn *net.UDPConn) error {
	return nil
}

// isNoBufferError проверяет исчерпание сетевых буферов по тексту ошибки
func isNoBufferError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "no buffer space")
}
