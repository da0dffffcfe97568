package limits

import (
	"errors"
	"testing"
)

// TestRxBufferFitsPathMTU verifies the default receive buffer is the Ethernet
// MTU minus IPv4 and UDP headers.
func TestRxBufferFitsPathMTU(t *testing.T) {
	if RxBufferSize != 1500-20-8 {
		t.Errorf("RxBufferSize = %d, want %d", RxBufferSize, 1500-20-8)
	}
}

func TestValidateMessageSize(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		limit   int
		wantErr error
	}{
		{"empty", 0, 10, ErrMessageEmpty},
		{"at limit", 10, 10, nil},
		{"over limit", 11, 10, ErrMessageTooLarge},
		{"single byte", 1, 10, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessageSize(make([]byte, tt.size), tt.limit)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateMessageSize() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateMessageSize() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDatagram(t *testing.T) {
	if err := ValidateDatagram(make([]byte, MaxDatagramPayload)); err != nil {
		t.Errorf("max payload rejected: %v", err)
	}
	if err := ValidateDatagram(make([]byte, MaxDatagramPayload+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized payload error = %v, want ErrMessageTooLarge", err)
	}
}

func TestValidateConfiguredLimits(t *testing.T) {
	if err := ValidateBufferSize(RxBufferSize); err != nil {
		t.Errorf("default buffer rejected: %v", err)
	}
	for _, bad := range []int{0, -1, MaxDatagramPayload + 1} {
		if err := ValidateBufferSize(bad); !errors.Is(err, ErrInvalidLimit) {
			t.Errorf("ValidateBufferSize(%d) = %v, want ErrInvalidLimit", bad, err)
		}
	}
	if err := ValidateEventCount(MaxEpollEvents); err != nil {
		t.Errorf("default event count rejected: %v", err)
	}
	if err := ValidateEventCount(0); !errors.Is(err, ErrInvalidLimit) {
		t.Errorf("ValidateEventCount(0) = %v, want ErrInvalidLimit", err)
	}
}
