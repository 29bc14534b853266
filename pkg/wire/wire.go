// Package wire реализует бинарный протокол домофона: заголовки аудио и видео
// пакетов для UDP транспорта и коды команд управляющего TCP канала.
//
// Все многобайтовые поля кодируются в little-endian, одинаково при кодировании
// и декодировании. Пакет не содержит I/O и состояния: только чистые функции
// и структуры заголовков. Ошибки формата сигнализируются вызывающему коду,
// никогда не исправляются молча.
//
// Формат аудио пакета (15 байт заголовка + PCM payload):
//
//	[0]     тип пакета (PacketTypeAudio)
//	[1:5]   порядковый номер, uint32
//	[5:13]  метка времени, миллисекунды epoch, int64
//	[13:15] длина payload, uint16
//
// Формат видео пакета (19 байт заголовка + фрагмент JPEG):
//
//	[0]     тип пакета (PacketTypeVideo)
//	[1:5]   идентификатор кадра, uint32
//	[5:13]  метка времени, миллисекунды epoch, int64
//	[13:15] длина фрагмента, uint16
//	[15:17] номер фрагмента внутри кадра, uint16 (с нуля)
//	[17:19] всего фрагментов в кадре, uint16
package wire

// Типы пакетов в первом байте UDP заголовка.
const (
	// PacketTypeAudio помечает аудио пакет с PCM данными
	PacketTypeAudio byte = 0
	// PacketTypeVideo помечает видео пакет с фрагментом JPEG кадра
	PacketTypeVideo byte = 1
)

// Размеры заголовков и ограничения пакетов.
const (
	// AudioHeaderSize размер заголовка аудио пакета в байтах
	AudioHeaderSize = 15
	// VideoHeaderSize размер заголовка видео пакета в байтах
	VideoHeaderSize = 19

	// MaxPacketSize максимальный размер UDP пакета вместе с заголовком.
	// Выбран с запасом под MTU Ethernet, чтобы избежать IP фрагментации.
	MaxPacketSize = 1400

	// MaxVideoPayload максимальный размер фрагмента видео кадра в одном пакете
	MaxVideoPayload = MaxPacketSize - VideoHeaderSize
)

// Фиксированные порты протокола. Управляющий TCP канал и аудио UDP поток
// используют один номер порта (разные транспорты), видео идет отдельно.
const (
	// DefaultControlPort TCP порт управляющего канала
	DefaultControlPort = 12345
	// DefaultAudioPort UDP порт аудио потока в обе стороны
	DefaultAudioPort = 12345
	// DefaultVideoPort UDP порт исходящего видео потока
	DefaultVideoPort = 12346
)
