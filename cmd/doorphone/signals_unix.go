//go:build !windows

package main

import (
	"os"
	"syscall"
)

// doorbellSignals сигналы, имитирующие нажатие кнопки звонка без железа
var doorbellSignals = []os.Signal{syscall.SIGUSR1}

// isDoorbellSignal проверяет пришел ли сигнал имитации кнопки звонка
func isDoorbellSignal(sig os.Signal) bool {
	return sig == syscall.SIGUSR1
}
