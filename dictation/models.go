package dictation

import (
	"context"
	"fmt"

	"github.com/ICODOS/mute-core/backend"
)

// Model management operations. These are plain request/response
// exchanges over the channel, independent of any recording session;
// download progress streams to the sink as it happens.

// Models asks the process for the list of models it can serve.
func (s *Service) Models(ctx context.Context) ([]backend.ModelInfo, error) {
	ev, err := s.request(ctx, backend.Command{Type: backend.CmdGetModels},
		backend.EvModelsList)
	if err != nil {
		return nil, fmt.Errorf("get models: %w", err)
	}
	return ev.Models, nil
}

// DownloadModel downloads the default model, streaming progress to the
// sink, and returns once the download finished or failed.
func (s *Service) DownloadModel(ctx context.Context) error {
	ev, err := s.request(ctx, backend.Command{Type: backend.CmdDownloadModel},
		backend.EvModelDownloaded, backend.EvModelError)
	if err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	if ev.Type == backend.EvModelError {
		return fmt.Errorf("download model: %s", ev.Message)
	}
	return nil
}

// LoadModel asks the process to load a model into memory.
func (s *Service) LoadModel(ctx context.Context, model string) error {
	ev, err := s.request(ctx, backend.Command{Type: backend.CmdLoadModel, Model: model},
		backend.EvModelLoaded, backend.EvModelError)
	if err != nil {
		return fmt.Errorf("load model %s: %w", model, err)
	}
	if ev.Type == backend.EvModelError {
		return fmt.Errorf("load model %s: %s", model, ev.Message)
	}
	return nil
}

// SetKeepWarm asks the process to keep the given models resident for
// the given duration (e.g. "4h").
func (s *Service) SetKeepWarm(ctx context.Context, models []string, duration string) error {
	_, err := s.request(ctx,
		backend.Command{Type: backend.CmdSetKeepWarm, Models: models, Duration: duration},
		backend.EvKeepWarmUpdated)
	if err != nil {
		return fmt.Errorf("set keep warm: %w", err)
	}
	return nil
}

// ClearCache asks the process to drop its model cache. Fire-and-forget.
func (s *Service) ClearCache() error {
	return s.transport.Send(backend.Command{Type: backend.CmdClearCache})
}

// request sends a command and waits for the first event of any of the
// terminal types, bounded by ctx. One request runs at a time: the wire
// protocol carries no request IDs, so shared terminal types (both
// download and load can end in model_error) cannot be attributed across
// overlapping requests.
func (s *Service) request(ctx context.Context, cmd backend.Command, terminals ...string) (backend.Event, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	ch := make(chan backend.Event, 1)
	s.pendingMu.Lock()
	for _, t := range terminals {
		s.pending[t] = append(s.pending[t], ch)
	}
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		for _, t := range terminals {
			waiters := s.pending[t]
			for i, w := range waiters {
				if w == ch {
					s.pending[t] = append(waiters[:i], waiters[i+1:]...)
					break
				}
			}
		}
		s.pendingMu.Unlock()
	}()

	if err := s.transport.Send(cmd); err != nil {
		return backend.Event{}, err
	}

	select {
	case ev := <-ch:
		return ev, nil
	case <-ctx.Done():
		return backend.Event{}, ctx.Err()
	}
}

// deliverPending hands an event to the oldest waiter for its type.
func (s *Service) deliverPending(ev backend.Event) {
	s.pendingMu.Lock()
	waiters := s.pending[ev.Type]
	if len(waiters) == 0 {
		s.pendingMu.Unlock()
		s.logger.Debug("unsolicited event", "type", ev.Type)
		return
	}
	ch := waiters[0]
	s.pending[ev.Type] = waiters[1:]
	s.pendingMu.Unlock()

	select {
	case ch <- ev:
	default:
	}
}
