package scrape

import (
	"fmt"

	sferrors "github.com/vnykmshr/scrapeflow/pkg/common/errors"
)

// The context updater. Flow contexts are rebuilt at cycle start on the
// first cycle or when ResetFlowContext is set, and only topped up on
// later cycles and dispatch ticks; the list never shrinks mid-cycle.
// Initializers run without the scheduler lock, so they may call back
// into accessors.

func (s *Scheduler) refreshFlowContexts(beforeCycleStart bool) error {
	s.mu.Lock()
	first := s.firstCycle
	this := s.this
	prev := append([]any{}, s.flowsContexts...)
	s.mu.Unlock()

	rebuild := beforeCycleStart && (first || s.cfg.resetFlow)

	if s.cfg.initFlows != nil {
		if !rebuild && len(prev) > 0 {
			return nil
		}
		flows, err := s.callInitFlows(this)
		if err != nil {
			return sferrors.NewOperationError(moduleName, "InitFlowContexts", err)
		}
		if len(flows) == 0 {
			return fmt.Errorf("%w: InitFlowContexts returned an empty list", sferrors.ErrBadFlowContext)
		}
		s.mu.Lock()
		s.flowsContexts = append([]any{}, flows...)
		s.mu.Unlock()
		return nil
	}

	if rebuild {
		next := make([]any, 0, s.cfg.concurrency)
		for i := 0; i < s.cfg.concurrency; i++ {
			var old any
			if i < len(prev) {
				old = prev[i]
			}
			flow, err := s.callInitFlow(this, old)
			if err != nil {
				return sferrors.NewOperationError(moduleName, "InitFlowContext", err)
			}
			if flow == nil {
				return fmt.Errorf("%w: InitFlowContext returned nil", sferrors.ErrBadFlowContext)
			}
			next = append(next, flow)
		}
		if !s.cfg.removeRedundant && len(prev) > s.cfg.concurrency {
			next = append(next, prev[s.cfg.concurrency:]...)
		}
		s.mu.Lock()
		s.flowsContexts = next
		s.mu.Unlock()
		return nil
	}

	return s.topUpFlows()
}

// topUpFlows grows the context list up to the configured concurrency.
func (s *Scheduler) topUpFlows() error {
	if s.cfg.initFlows != nil {
		return nil
	}
	for {
		s.mu.Lock()
		missing := s.cfg.concurrency - len(s.flowsContexts)
		this := s.this
		s.mu.Unlock()
		if missing <= 0 {
			return nil
		}

		flow, err := s.callInitFlow(this, nil)
		if err != nil {
			return sferrors.NewOperationError(moduleName, "InitFlowContext", err)
		}
		if flow == nil {
			return fmt.Errorf("%w: InitFlowContext returned nil", sferrors.ErrBadFlowContext)
		}
		s.mu.Lock()
		if len(s.flowsContexts) < s.cfg.concurrency {
			s.flowsContexts = append(s.flowsContexts, flow)
		}
		s.mu.Unlock()
	}
}
