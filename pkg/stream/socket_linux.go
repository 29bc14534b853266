//go:build linux

package stream

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// sendmsgBuffers отправляет header и payload одной датаграммой через sendmsg
// с iovec из двух элементов, без склейки буферов. Сокет уже подключен,
// адрес назначения в вызове не передается.
func sendmsgBuffers(raw syscall.RawConn, header, payload []byte) error {
	bufs := [][]byte{header, payload}

	var opErr error
	err := raw.Write(func(fd uintptr) bool {
		_, opErr = unix.SendmsgBuffers(int(fd), bufs, nil, nil, 0)
		// EAGAIN: ждем готовности сокета к записи и повторяем
		return !errors.Is(opErr, unix.EAGAIN)
	})
	if err != nil {
		return err
	}
	return opErr
}

// setSockOptMedia повышает приоритет медиа сокета. Значение 6 соответствует
// интерактивному аудио трафику.
func setSockOptMedia(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_PRIORITY, 6)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// isNoBufferError проверяет исчерпание сетевых буферов при отправке
func isNoBufferError(err error) bool {
	return errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.ENOMEM)
}
