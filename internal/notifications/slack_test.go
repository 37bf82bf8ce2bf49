package notifications

import "testing"

func TestNewSlackChannel_EmptyTokenDisables(t *testing.T) {
	if c := NewSlackChannel("", "C123"); c != nil {
		t.Fatalf("expected nil channel for empty token, got %+v", c)
	}
	if c := NewSlackChannel("xoxb-token", ""); c != nil {
		t.Fatalf("expected nil channel for empty channel id, got %+v", c)
	}
}

func TestNilSlackChannel_NotifiesAreNoOps(t *testing.T) {
	var c *SlackChannel
	// must not panic even though the receiver is nil
	c.NotifyBatchFatal(1, errTest{})
	c.NotifyUserShutdown(1, "alice")
}

type errTest struct{}

func (errTest) Error() string { return "boom" }
