// CLAUDE:SUMMARY Session capability the navigator drives, its typed errors, and the adapter onto browser.Manager.
package harvest

import (
	"context"
	"fmt"

	"github.com/hazyhaar/vitrine/browser"
)

// Session is the slice of the rendering backend the navigator needs.
// *browser.Session implements it; tests use scripted fakes.
type Session interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	WaitLoad(ctx context.Context) error
	HTML(ctx context.Context) (string, error)
	RunOnXPath(ctx context.Context, xpath, script string) error
	ScrollToBottom(ctx context.Context) error
	CloseOtherTabs(ctx context.Context) error
	Close() error
}

// SessionFactory opens a fresh, isolated session.
type SessionFactory func(ctx context.Context) (Session, error)

// FromBrowser adapts a browser manager to a SessionFactory.
func FromBrowser(m *browser.Manager) SessionFactory {
	return func(ctx context.Context) (Session, error) {
		s, err := m.NewSession(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// SessionError means the rendering backend could not be reached or the
// listing could not be loaded. It is fatal to one site's harvest only.
type SessionError struct {
	Site string
	Err  error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("harvest: %s: session: %v", e.Site, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// NavigationStepError is a failed navigation step (dismiss, scroll,
// paginate, wait-load and the like).
// Navigators log it and carry on without the step.
type NavigationStepError struct {
	Site string
	Step string
	Err  error
}

func (e *NavigationStepError) Error() string {
	return fmt.Sprintf("harvest: %s: %s: %v", e.Site, e.Step, e.Err)
}

func (e *NavigationStepError) Unwrap() error { return e.Err }
