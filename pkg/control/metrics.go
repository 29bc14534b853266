package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/door_phone/pkg/wire"
)

// metricsCollector метрики координатора в формате Prometheus.
// Все метрики живут в пространстве имен doorphone_control.
type metricsCollector struct {
	clientsActive       prometheus.Gauge
	connectionsTotal    prometheus.Counter
	connectionsRejected prometheus.Counter
	commandsReceived    *prometheus.CounterVec
	talkGrants          prometheus.Counter
	talkDenies          prometheus.Counter
	mediaStartFailures  prometheus.Counter
	doorbellBroadcasts  prometheus.Counter
}

// newMetricsCollector создает набор метрик и регистрирует его в reg.
// При reg == nil метрики создаются, но никуда не экспортируются: каждый
// координатор несет собственный набор, тесты не конфликтуют регистрацией.
func newMetricsCollector(reg prometheus.Registerer) *metricsCollector {
	factory := promauto.With(reg)

	return &metricsCollector{
		clientsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "doorphone",
			Subsystem: "control",
			Name:      "clients_active",
			Help:      "Число подключенных управляющих клиентов",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "doorphone",
			Subsystem: "control",
			Name:      "connections_total",
			Help:      "Общее число принятых TCP соединений",
		}),
		connectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "doorphone",
			Subsystem: "control",
			Name:      "connections_rejected_total",
			Help:      "Число соединений, отклоненных из-за отсутствия свободных слотов",
		}),
		commandsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "doorphone",
			Subsystem: "control",
			Name:      "commands_received_total",
			Help:      "Число принятых команд по типам",
		}, []string{"command"}),
		talkGrants: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "doorphone",
			Subsystem: "control",
			Name:      "talk_grants_total",
			Help:      "Число выдач разговорного слота",
		}),
		talkDenies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "doorphone",
			Subsystem: "control",
			Name:      "talk_denies_total",
			Help:      "Число отказов в разговорном слоте",
		}),
		mediaStartFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "doorphone",
			Subsystem: "control",
			Name:      "media_start_failures_total",
			Help:      "Число неудачных запусков медиа сессии с откатом выдачи",
		}),
		doorbellBroadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "doorphone",
			Subsystem: "control",
			Name:      "doorbell_broadcasts_total",
			Help:      "Число рассылок уведомления о дверном звонке",
		}),
	}
}

// commandLabel метка команды для метрик. Неизвестные коды сводятся к одному
// значению, чтобы мусор на входе не раздувал кардинальность.
func commandLabel(cmd wire.Command) string {
	switch cmd {
	case wire.CommandRequestTalk, wire.CommandEndTalk, wire.CommandGrantTalk,
		wire.CommandDenyTalk, wire.CommandTalkEnded, wire.CommandDoorbellRing,
		wire.CommandOpenDoor, wire.CommandTalkDidNotEnd:
		return cmd.String()
	default:
		return "UNKNOWN"
	}
}
