//go:build windows

package main

import "os"

// Windows не знает пользовательских сигналов, имитация кнопки недоступна
var doorbellSignals []os.Signal

func isDoorbellSignal(os.Signal) bool {
	return false
}
