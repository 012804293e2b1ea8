package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/model"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/store"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/logger"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/metrics"
)

// Task is one extraction unit: a completed (user, assistant) turn.
type Task struct {
	ConversationID   string
	UserID           string
	CharacterID      string
	UserContent      string
	AssistantContent string
}

// Extractor evaluates completed turns on a bounded worker pool and writes
// memory items. Extraction is best effort: failures are logged and
// counted, never surfaced to the message path.
type Extractor struct {
	store   *store.Store
	logger  *logger.Logger
	policy  SignificancePolicy
	queue   chan Task
	workers int
	wg      sync.WaitGroup
	stop    chan struct{}
	once    sync.Once
}

// NewExtractor creates an extractor with the given pool size and queue
// capacity.
func NewExtractor(st *store.Store, log *logger.Logger, policy SignificancePolicy, workers, queueSize int) *Extractor {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Extractor{
		store:   st,
		logger:  log,
		policy:  policy,
		queue:   make(chan Task, queueSize),
		workers: workers,
		stop:    make(chan struct{}),
	}
}

// Start launches the worker pool.
func (e *Extractor) Start() {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
}

// Stop drains in-flight work and shuts the pool down.
func (e *Extractor) Stop() {
	e.once.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// Enqueue hands a turn to the pool without blocking. When the queue is
// full the task is dropped; a dropped turn only costs a potential memory,
// never the message itself.
func (e *Extractor) Enqueue(task Task) {
	select {
	case e.queue <- task:
	default:
		metrics.MemoryExtractionFailures.Inc()
		e.logger.Warnw("extraction queue full, dropping turn",
			"conversation_id", task.ConversationID)
	}
}

func (e *Extractor) worker() {
	defer e.wg.Done()
	for {
		select {
		case task := <-e.queue:
			e.process(task)
		case <-e.stop:
			// Drain what is already queued before exiting.
			for {
				select {
				case task := <-e.queue:
					e.process(task)
				default:
					return
				}
			}
		}
	}
}

func (e *Extractor) process(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sig := e.policy.Evaluate(task.UserContent, task.AssistantContent)
	if !sig.Significant {
		return
	}

	item := &model.MemoryItem{
		ID:             uuid.NewString(),
		UserID:         task.UserID,
		CharacterID:    task.CharacterID,
		ConversationID: task.ConversationID,
		Content:        task.UserContent,
		Importance:     sig.Importance,
		EmotionalTag:   sig.EmotionalTag,
		CreatedAt:      time.Now(),
	}

	if err := e.store.InsertMemory(ctx, item); err != nil {
		metrics.MemoryExtractionFailures.Inc()
		e.logger.Errorw("memory insert failed",
			"conversation_id", task.ConversationID, "error", err)
		return
	}

	_, err := e.store.MutateCharacterContext(ctx, task.UserID, task.CharacterID, func(cc *model.CharacterContext) {
		cc.SharedMemoryIDs = append(cc.SharedMemoryIDs, item.ID)
		if len(cc.SharedMemoryIDs) > model.MaxSharedMemories {
			cc.SharedMemoryIDs = cc.SharedMemoryIDs[len(cc.SharedMemoryIDs)-model.MaxSharedMemories:]
		}
	})
	if err != nil {
		metrics.MemoryExtractionFailures.Inc()
		e.logger.Errorw("shared memory append failed",
			"conversation_id", task.ConversationID, "error", err)
		return
	}

	metrics.MemoryItemsTotal.Inc()
	e.logger.Debugw("memory extracted",
		"conversation_id", task.ConversationID,
		"importance", sig.Importance,
		"cues", sig.Cues)
}
