package logflags

import "testing"

func TestSetup(t *testing.T) {
	if err := Setup(true, "dwarf,unwind"); err != nil {
		t.Fatal(err)
	}
	if !Dwarf() || !Unwind() {
		t.Errorf("flags not set: dwarf=%v unwind=%v", Dwarf(), Unwind())
	}
	if Elf() {
		t.Errorf("elf flag should not be set")
	}

	if err := Setup(false, "dwarf"); err == nil {
		t.Errorf("expected error for --log-output without --log")
	}
}
