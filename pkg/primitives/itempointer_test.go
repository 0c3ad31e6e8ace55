package primitives

import "testing"

func TestItemPointerEncodeDecode(t *testing.T) {
	tests := []struct {
		name    string
		pointer ItemPointer
	}{
		{"first item of block zero", NewItemPointer(0, 1)},
		{"large block", NewItemPointer(0x7FFFFFFF, 291)},
		{"max offset", NewItemPointer(42, 0xFFFF)},
		{"invalid sentinel", InvalidItemPointer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf [ItemPointerSize]byte
			tt.pointer.Encode(buf[:])
			got := DecodeItemPointer(buf[:])
			if !got.Equals(tt.pointer) {
				t.Errorf("round trip mismatch: got %v, want %v", got, tt.pointer)
			}
		})
	}
}

func TestItemPointerCompare(t *testing.T) {
	tests := []struct {
		name     string
		a, b     ItemPointer
		expected int
	}{
		{"equal", NewItemPointer(1, 1), NewItemPointer(1, 1), 0},
		{"block dominates", NewItemPointer(1, 9), NewItemPointer(2, 1), -1},
		{"offset breaks tie", NewItemPointer(3, 5), NewItemPointer(3, 4), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.expected {
				t.Errorf("Compare(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.expected)
			}
			if got := tt.b.Compare(tt.a); got != -tt.expected {
				t.Errorf("Compare(%v, %v) = %d, want %d", tt.b, tt.a, got, -tt.expected)
			}
		})
	}
}

func TestItemPointerValidity(t *testing.T) {
	if InvalidItemPointer.IsValid() {
		t.Error("invalid sentinel must not report valid")
	}
	if !NewItemPointer(0, 1).IsValid() {
		t.Error("block 0 offset 1 is a valid pointer")
	}
	if NewItemPointer(0, 0).IsValid() {
		t.Error("offset 0 is never valid")
	}
}

func TestInterruptFlag(t *testing.T) {
	var flag InterruptFlag

	if err := flag.CheckForInterrupts(); err != nil {
		t.Errorf("fresh flag should not interrupt, got %v", err)
	}

	flag.Request()
	if err := flag.CheckForInterrupts(); err != ErrInterrupted {
		t.Errorf("expected ErrInterrupted, got %v", err)
	}

	flag.Reset()
	if err := flag.CheckForInterrupts(); err != nil {
		t.Errorf("reset flag should not interrupt, got %v", err)
	}

	var nilFlag *InterruptFlag
	if err := nilFlag.CheckForInterrupts(); err != nil {
		t.Errorf("nil flag should never interrupt, got %v", err)
	}
}
