package video

// Camera источник сжатых видео кадров. Реализуется внешним слоем драйвера
// камеры, готовым к работе до старта стриминга.
type Camera interface {
	// Capture захватывает один кадр. Буфер кадра принадлежит драйверу и
	// возвращается ему через Frame.Release после отправки.
	Capture() (*Frame, error)
}

// Frame один захваченный кадр. Data остается собственностью драйвера камеры:
// владелец кадра обязан вызвать Release, когда данные больше не нужны, и не
// трогать Data после этого.
type Frame struct {
	// Data сжатый кадр, обычно JPEG
	Data []byte

	release func()
}

// NewFrame оборачивает буфер драйвера в кадр. release возвращает буфер
// драйверу, nil допустим для кадров без владения.
func NewFrame(data []byte, release func()) *Frame {
	return &Frame{Data: data, release: release}
}

// Release возвращает буфер кадра драйверу камеры. Повторные вызовы — no-op.
func (f *Frame) Release() {
	if f.release != nil {
		f.release()
		f.release = nil
	}
}
