package wire

import (
	"encoding/binary"
	"fmt"
)

// AudioHeader заголовок аудио пакета.
//
// Sequence монотонно растет в пределах одного отправителя начиная с нуля,
// Timestamp содержит миллисекунды epoch на момент отправки, PayloadLen
// равен длине PCM данных, следующих сразу за заголовком.
type AudioHeader struct {
	Sequence   uint32
	Timestamp  int64
	PayloadLen uint16
}

// MarshalSize возвращает размер сериализованного заголовка.
func (h AudioHeader) MarshalSize() int {
	return AudioHeaderSize
}

// MarshalTo сериализует заголовок в начало buf и возвращает число
// записанных байт. Возвращает ErrBufferTooSmall, если buf короче
// AudioHeaderSize.
func (h AudioHeader) MarshalTo(buf []byte) (int, error) {
	if len(buf) < AudioHeaderSize {
		return 0, fmt.Errorf("%w: нужно %d, есть %d", ErrBufferTooSmall, AudioHeaderSize, len(buf))
	}

	buf[0] = PacketTypeAudio
	binary.LittleEndian.PutUint32(buf[1:5], h.Sequence)
	binary.LittleEndian.PutUint64(buf[5:13], uint64(h.Timestamp))
	binary.LittleEndian.PutUint16(buf[13:15], h.PayloadLen)

	return AudioHeaderSize, nil
}

// Marshal сериализует заголовок в новый буфер.
func (h AudioHeader) Marshal() ([]byte, error) {
	buf := make([]byte, AudioHeaderSize)
	if _, err := h.MarshalTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Unmarshal разбирает заголовок из начала buf и возвращает число прочитанных
// байт. Остаток buf[n:] — payload пакета. Буфер короче AudioHeaderSize
// отклоняется с ErrHeaderTooShort, неверный тип пакета — с ErrWrongPacketType.
func (h *AudioHeader) Unmarshal(buf []byte) (int, error) {
	if len(buf) < AudioHeaderSize {
		return 0, fmt.Errorf("%w: нужно %d, есть %d", ErrHeaderTooShort, AudioHeaderSize, len(buf))
	}
	if buf[0] != PacketTypeAudio {
		return 0, fmt.Errorf("%w: ожидался %d, получен %d", ErrWrongPacketType, PacketTypeAudio, buf[0])
	}

	h.Sequence = binary.LittleEndian.Uint32(buf[1:5])
	h.Timestamp = int64(binary.LittleEndian.Uint64(buf[5:13]))
	h.PayloadLen = binary.LittleEndian.Uint16(buf[13:15])

	return AudioHeaderSize, nil
}
