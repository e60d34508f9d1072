// common/kafka/interface.go
//
// Пакет kafka задаёт минимальные контракты обмена сообщениями и модель пачки
// записей. Sarama сюда не тянется: драйверы живут в consumer/ и producer/.
package kafka

import (
	"context"
	"time"
)

// Message представляет запись, полученную из Kafka или отправляемую в неё.
type Message struct {
	Key       []byte // ключ сообщения (может быть nil)
	Value     []byte // полезная нагрузка
	Topic     string // имя топика
	Partition int32  // раздел; при публикации игнорируется, раздел выбирает partitioner
	Offset    int64  // смещение
	Timestamp time.Time
	Headers   map[string][]byte
}

// TopicPartition returns the partition the message was read from.
func (m *Message) TopicPartition() TopicPartition {
	return TopicPartition{Topic: m.Topic, Partition: m.Partition}
}

// BatchListener обрабатывает одну пачку записей. Ошибка означает, что пачка
// не обработана и решение о повторе принимает обработчик сбоев.
type BatchListener func(ctx context.Context, batch Batch) error

// BatchConsumer читает топики пачками.
//
//	Consume(ctx, topics, listener) блокирует, пока:
//	  • контекст не будет отменён;
//	  • либо не произойдёт невосстанавливаемая ошибка, которую метод вернёт.
//
// Позиция пачки коммитится только после того, как listener (или обработчик
// сбоев) завершился без ошибки.
type BatchConsumer interface {
	Consume(ctx context.Context, topics []string, listener BatchListener) error
	Close() error
}

// SeekCommitter is the slice of a consumer handle needed to reposition and
// acknowledge partitions.
type SeekCommitter interface {
	// Seek moves the next-read position of tp to offset, forwards or backwards.
	Seek(tp TopicPartition, offset int64) error
	// CommitSync durably commits every position set by Seek.
	CommitSync() error
}

// Producer публикует сообщения в Kafka.
type Producer interface {
	// Publish отправляет msg в msg.Topic; раздел выбирается partitioner'ом.
	// Возможен внутренний retry согласно стратегии back-off.
	Publish(ctx context.Context, msg *Message) error
	// Ping проверяет достижимость кластера (обновление метаданных).
	Ping(ctx context.Context) error
	Close() error
}
