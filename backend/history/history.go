package history

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/Jesusiunchatnoir/contact-cnt-ait/backend/model"
	"github.com/oklog/ulid/v2"
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrMediaType       = errors.New("media type is not allowed")
	ErrMalformed       = errors.New("message is missing required fields")
	ErrNotFound        = errors.New("message not found")
	ErrForbidden       = errors.New("message belongs to another user")
)

type Config struct {
	Capacity        int
	MaxPayloadBytes int64
	AllowedTypes    []string
}

// Buffer is a bounded FIFO of the most recent chat messages. Append
// and eviction happen under one lock, so the buffer can never be
// observed over capacity or out of order.
type Buffer struct {
	mx              *sync.Mutex
	capacity        int
	maxPayloadBytes int64
	allowedTypes    map[string]struct{}
	entropy         *ulid.MonotonicEntropy
	messages        []model.Message
}

func New(cfg Config) *Buffer {
	allowed := make(map[string]struct{}, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[t] = struct{}{}
	}
	return &Buffer{
		mx:              &sync.Mutex{},
		capacity:        cfg.Capacity,
		maxPayloadBytes: cfg.MaxPayloadBytes,
		allowedTypes:    allowed,
		entropy:         ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		messages:        make([]model.Message, 0, cfg.Capacity),
	}
}

func (b *Buffer) validate(kind, content, fileType, fileData string) error {
	switch kind {
	case model.KindText, model.KindGif, model.KindSystem:
		if content == "" {
			return ErrMalformed
		}
		if int64(len(content)) > b.maxPayloadBytes {
			return ErrPayloadTooLarge
		}
	case model.KindFile, model.KindAudio:
		if fileData == "" || fileType == "" {
			return ErrMalformed
		}
		if int64(len(fileData)) > b.maxPayloadBytes {
			return ErrPayloadTooLarge
		}
		if _, ok := b.allowedTypes[fileType]; !ok {
			return ErrMediaType
		}
	default:
		return ErrMalformed
	}
	return nil
}

// Append validates msg, assigns it an id and server timestamp, stores
// it and evicts the oldest entry when over capacity. The stored copy
// is returned.
func (b *Buffer) Append(msg model.Message) (model.Message, error) {
	if err := b.validate(msg.Kind, msg.Content, msg.FileType, msg.FileData); err != nil {
		return model.Message{}, err
	}

	b.mx.Lock()
	defer b.mx.Unlock()

	now := time.Now()
	msg.ID = ulid.MustNew(ulid.Timestamp(now), b.entropy).String()
	msg.CreatedAt = now
	msg.Edited = false

	b.messages = append(b.messages, msg)
	if len(b.messages) > b.capacity {
		b.messages = b.messages[len(b.messages)-b.capacity:]
	}
	return msg, nil
}

// Recent returns at most limit most recent messages, oldest first.
func (b *Buffer) Recent(limit int) []model.Message {
	b.mx.Lock()
	defer b.mx.Unlock()

	n := len(b.messages)
	if limit > n {
		limit = n
	}
	out := make([]model.Message, limit)
	copy(out, b.messages[n-limit:])
	return out
}

// Edit replaces the payload of an existing message. Only the original
// sender may edit; id, timestamp and buffer position are preserved.
func (b *Buffer) Edit(id, requester, content, fileData string) (model.Message, error) {
	b.mx.Lock()
	defer b.mx.Unlock()

	idx := b.find(id)
	if idx < 0 {
		return model.Message{}, ErrNotFound
	}
	msg := b.messages[idx]
	if msg.Username != requester {
		return model.Message{}, ErrForbidden
	}

	newContent, newFileData := msg.Content, msg.FileData
	if content != "" {
		newContent = content
	}
	if fileData != "" {
		newFileData = fileData
	}
	if err := b.validate(msg.Kind, newContent, msg.FileType, newFileData); err != nil {
		return model.Message{}, err
	}

	msg.Content = newContent
	msg.FileData = newFileData
	msg.Edited = true
	b.messages[idx] = msg
	return msg, nil
}

// Delete removes a message entirely. Same authorization rule as Edit.
func (b *Buffer) Delete(id, requester string) error {
	b.mx.Lock()
	defer b.mx.Unlock()

	idx := b.find(id)
	if idx < 0 {
		return ErrNotFound
	}
	if b.messages[idx].Username != requester {
		return ErrForbidden
	}
	b.messages = append(b.messages[:idx], b.messages[idx+1:]...)
	return nil
}

func (b *Buffer) Len() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return len(b.messages)
}

func (b *Buffer) find(id string) int {
	for i := range b.messages {
		if b.messages[i].ID == id {
			return i
		}
	}
	return -1
}
