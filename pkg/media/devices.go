package media

// AudioSource источник PCM данных микрофона. Реализуется внешним слоем
// аудио драйвера, готовым к работе до старта сессии.
//
// Read блокируется до готовности очередной порции данных и задает темп
// конвейера отправки: драйвер выдает данные со скоростью записи.
type AudioSource interface {
	Read(p []byte) (int, error)
}

// AudioSink приемник PCM данных для воспроизведения динамиком.
//
// Write принимает порцию данных целиком; конвейер приема пишет сюда как
// принятые пакеты, так и тишину при таймаутах чтения, чтобы воспроизведение
// не голодало.
type AudioSink interface {
	Write(p []byte) (int, error)
}
