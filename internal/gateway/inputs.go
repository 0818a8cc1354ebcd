package gateway

import (
	"github.com/taskweave/taskweave/internal/document"
	"github.com/taskweave/taskweave/internal/fault"
	"github.com/taskweave/taskweave/pkg/models"
)

// Input requests are answered by humans through the daemon, not through
// the agent tool surface, so these are plain methods rather than tools.

// AnswerInput resolves a pending input request with a human response.
func (s *Server) AnswerInput(taskID, requestID, response string) error {
	if response == "" {
		return fault.Validationf("response must not be empty")
	}
	return s.resolveInput(taskID, requestID, models.InputAnswered, response)
}

// CancelInput withdraws a pending input request without an answer.
func (s *Server) CancelInput(taskID, requestID string) error {
	return s.resolveInput(taskID, requestID, models.InputCancelled, "")
}

func (s *Server) resolveInput(taskID, requestID string, state models.InputState, response string) error {
	if requestID == "" {
		return fault.Validationf("request id is required")
	}

	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	h, err := s.openTask(taskID)
	if err != nil {
		return err
	}

	eventType := models.EventInputAnswered
	if state == models.InputCancelled {
		eventType = models.EventInputCancelled
	}
	now := s.now()
	err = h.Update(func(tx *document.Tx) error {
		req, err := document.InputRequest(tx.Base(), requestID)
		if err != nil {
			return err
		}
		if req.State != models.InputPending {
			return fault.Validationf("input request %s is already %s", requestID, req.State)
		}
		if err := tx.ResolveInput(requestID, state, response, now); err != nil {
			return err
		}
		tx.AppendEvent(s.docEvent(eventType, map[string]string{"request_id": requestID}))
		tx.Touch(now)
		return nil
	})
	if err != nil {
		return err
	}

	s.indexUpdate(func(tx *document.Tx) {
		tx.SetGlobalInputState(requestID, state)
	})
	s.emit(eventType, taskID, "input "+string(state), map[string]any{"request_id": requestID})
	return nil
}
