package wire

import (
	"encoding/binary"
	"fmt"
)

// VideoHeader заголовок видео пакета, несущего один фрагмент JPEG кадра.
//
// Все фрагменты одного кадра разделяют FrameID и Timestamp момента захвата.
// FragmentSeq нумерует фрагменты с нуля, TotalFragments одинаков во всех
// пакетах кадра. Приемник собирает кадр, когда получены фрагменты
// 0..TotalFragments-1; кадр с пропущенным фрагментом отбрасывается целиком.
type VideoHeader struct {
	FrameID        uint32
	Timestamp      int64
	FragmentLen    uint16
	FragmentSeq    uint16
	TotalFragments uint16
}

// MarshalSize возвращает размер сериализованного заголовка.
func (h VideoHeader) MarshalSize() int {
	return VideoHeaderSize
}

// MarshalTo сериализует заголовок в начало buf и возвращает число
// записанных байт.
func (h VideoHeader) MarshalTo(buf []byte) (int, error) {
	if len(buf) < VideoHeaderSize {
		return 0, fmt.Errorf("%w: нужно %d, есть %d", ErrBufferTooSmall, VideoHeaderSize, len(buf))
	}

	buf[0] = PacketTypeVideo
	binary.LittleEndian.PutUint32(buf[1:5], h.FrameID)
	binary.LittleEndian.PutUint64(buf[5:13], uint64(h.Timestamp))
	binary.LittleEndian.PutUint16(buf[13:15], h.FragmentLen)
	binary.LittleEndian.PutUint16(buf[15:17], h.FragmentSeq)
	binary.LittleEndian.PutUint16(buf[17:19], h.TotalFragments)

	return VideoHeaderSize, nil
}

// Marshal сериализует заголовок в новый буфер.
func (h VideoHeader) Marshal() ([]byte, error) {
	buf := make([]byte, VideoHeaderSize)
	if _, err := h.MarshalTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Unmarshal разбирает заголовок из начала buf и возвращает число прочитанных
// байт. Остаток buf[n:] — фрагмент кадра. Короткий буфер отклоняется с
// ErrHeaderTooShort, неверный тип пакета — с ErrWrongPacketType.
func (h *VideoHeader) Unmarshal(buf []byte) (int, error) {
	if len(buf) < VideoHeaderSize {
		return 0, fmt.Errorf("%w: нужно %d, есть %d", ErrHeaderTooShort, VideoHeaderSize, len(buf))
	}
	if buf[0] != PacketTypeVideo {
		return 0, fmt.Errorf("%w: ожидался %d, получен %d", ErrWrongPacketType, PacketTypeVideo, buf[0])
	}

	h.FrameID = binary.LittleEndian.Uint32(buf[1:5])
	h.Timestamp = int64(binary.LittleEndian.Uint64(buf[5:13]))
	h.FragmentLen = binary.LittleEndian.Uint16(buf[13:15])
	h.FragmentSeq = binary.LittleEndian.Uint16(buf[15:17])
	h.TotalFragments = binary.LittleEndian.Uint16(buf[17:19])

	return VideoHeaderSize, nil
}
