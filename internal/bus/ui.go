package bus

import (
	"encoding/json"
	"fmt"

	"github.com/pablomodernell/lorawan-conformance-testing/internal/coordinator"
)

// uiDisplaySubject carries the operator-facing forms: test-case verdicts
// with their step documentation, and the end-of-run summary. Any UI (or
// plain logger) subscribed to it renders the JSON form bodies; nothing in
// the harness ever waits on a reply to one.
const uiDisplaySubject = "tas.ui.display"

// DisplayForm publishes form on the UI display subject, satisfying
// coordinator.UISink.
func (b *Bus) DisplayForm(form coordinator.UIForm) error {
	data, err := json.Marshal(form)
	if err != nil {
		return fmt.Errorf("bus: marshal ui form: %w", err)
	}
	if err := b.nc.Publish(uiDisplaySubject, data); err != nil {
		return fmt.Errorf("bus: publish ui form: %w", err)
	}
	return nil
}
