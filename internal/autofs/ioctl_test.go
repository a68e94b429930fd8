package autofs

import "testing"

func TestSendAckZeroTokenIsNoop(t *testing.T) {
	if err := sendAck(-1, 0, false); err != nil {
		t.Fatalf("sendAck with token=0 should be a no-op regardless of fd, got %v", err)
	}
}

func TestSendAckNonzeroTokenHitsIoctl(t *testing.T) {
	if err := sendAck(-1, 7, false); err == nil {
		t.Fatal("expected an error from an ioctl on an invalid fd")
	}
}

func TestExpireMultiOnceTreatsBadFdAsError(t *testing.T) {
	_, err := expireMultiOnce(-1)
	if err == nil {
		t.Fatal("expected an error on an invalid fd rather than a silent 'nothing expirable'")
	}
}
