package video

import "github.com/looplab/fsm"

// Состояния стримера.
// idle      – поток не идет, сокет закрыт;
// streaming – периодическая задача захватывает и отправляет кадры;
// stopping  – запрошена остановка, идет ожидание выхода задачи.
const (
	StateIdle      = "idle"
	StateStreaming = "streaming"
	StateStopping  = "stopping"
)

// События переходов: start, stop, stopped
const (
	eventStart   = "start"
	eventStop    = "stop"
	eventStopped = "stopped"
)

// newStreamFSM строит машину состояний стримера поверх looplab/fsm.
func newStreamFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventStart, Src: []string{StateIdle}, Dst: StateStreaming},
			{Name: eventStop, Src: []string{StateStreaming}, Dst: StateStopping},
			{Name: eventStopped, Src: []string{StateStopping}, Dst: StateIdle},
		}, nil,
	)
}
