// Package stream реализует транспортный элемент медиа потоков: чтение и
// запись кадрированных UDP пакетов.
//
// Элемент создается строго в одном из двух режимов. Reader владеет принимающим
// сокетом и читает входящие датаграммы с ограниченным таймаутом. Writer владеет
// отправляющим сокетом, кадрирует payload аудио заголовком и отправляет
// заголовок и payload одним системным вызовом из двух несмежных буферов,
// без промежуточного копирования.
//
// Политика доставки — best effort: таймаут чтения и временная нехватка
// сетевых буферов при записи не считаются ошибками потока. Поток важнее
// доставки отдельного пакета.
package stream

import "time"

const (
	// DefaultReadTimeout верхняя граница одного ожидания чтения. Запрос
	// неограниченного ожидания (timeout <= 0) внутренне сводится к этому
	// интервалу, чтобы обрамляющий конвейер мог регулярно проверять свое
	// условие остановки.
	DefaultReadTimeout = 100 * time.Millisecond

	// DefaultWriteBackoff пауза после отброшенного из-за нехватки сетевых
	// буферов пакета, защищает цикл отправки от busy-loop
	DefaultWriteBackoff = 5 * time.Millisecond
)
