package browser

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsTransientDOMErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"detached element", errors.New("rpc call: element is detached"), true},
		{"stale context", errors.New("Cannot find context with specified id"), true},
		{"stale node", errors.New("Could not find node with given id"), true},
		{"plain failure", errors.New("net::ERR_CONNECTION_REFUSED"), false},
		{"wrapped stale", fmt.Errorf("type title: %w", errors.New("Object id doesn't reference a Node")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransientDOMErr(tt.err); got != tt.want {
				t.Errorf("isTransientDOMErr(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsElementNotFound(t *testing.T) {
	base := &ElementNotFoundError{Selector: selDoneButton, Err: errors.New("timeout")}
	if !IsElementNotFound(base) {
		t.Error("IsElementNotFound() = false for a direct ElementNotFoundError")
	}
	wrapped := fmt.Errorf("publish: %w", base)
	if !IsElementNotFound(wrapped) {
		t.Error("IsElementNotFound() = false for a wrapped ElementNotFoundError")
	}
	if IsElementNotFound(errors.New("timeout")) {
		t.Error("IsElementNotFound() = true for an unrelated error")
	}
	if got := base.Error(); got == "" {
		t.Error("Error() returned empty string")
	}
}
