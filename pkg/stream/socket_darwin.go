//go:build darwin

package stream

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// sendmsgBuffers отправляет header и payload одной датаграммой через sendmsg
// с iovec из двух элементов, без склейки буферов.
func sendmsgBuffers(raw syscall.RawConn, header, payload []byte) error {
	bufs := [][]byte{header, payload}

	var opErr error
	err := raw.Write(func(fd uintptr) bool {
		_, opErr = unix.SendmsgBuffers(int(fd), bufs, nil, nil, 0)
		return !errors.Is(opErr, unix.EAGAIN)
	})
	if err != nil {
		return err
	}
	return opErr
}

// setSockOptMedia на Darwin специальных опций не требуется, приоритет
// трафика здесь не настраивается.
func setSockOptMedia(conn *net.UDPConn) error {
	return nil
}

// isNoBufferError проверяет исчерпание сетевых буферов при отправке
func isNoBufferError(err error) bool {
	return errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.ENOMEM)
}
