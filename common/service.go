// common/service.go
package common

import (
	"github.com/YaganovValera/batch-retry/common/backoff"
	"github.com/YaganovValera/batch-retry/common/kafka/batchfailure"
	consumer "github.com/YaganovValera/batch-retry/common/kafka/consumer"
	"github.com/YaganovValera/batch-retry/common/kafka/deadletter"
	producer "github.com/YaganovValera/batch-retry/common/kafka/producer"
)

// ServiceNameKey — ключ лейбла для метрик всех подсистем.
const ServiceNameKey = "service"

// InitServiceName задаёт единое имя сервиса для backoff, Kafka-producer,
// Kafka-consumer и подсистем обработки неудачных пачек.
// Нужно вызывать в main() до любых попыток логирования или отправки метрик.
func InitServiceName(name string) {
	backoff.SetServiceLabel(name)
	producer.SetServiceLabel(name)
	consumer.SetServiceLabel(name)
	deadletter.SetServiceLabel(name)
	batchfailure.SetServiceLabel(name)
}
