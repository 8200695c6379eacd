package diag

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewSetsLevelFromDebugFlag(t *testing.T) {
	if got := New(false).GetLevel(); got != logrus.InfoLevel {
		t.Fatalf("New(false) level = %v, want Info", got)
	}
	if got := New(true).GetLevel(); got != logrus.DebugLevel {
		t.Fatalf("New(true) level = %v, want Debug", got)
	}
}
