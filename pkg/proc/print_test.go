package proc

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/go-pstack/pstack/pkg/dwarf/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func canonicalTarget(t *testing.T, options Options) (*Target, *Thread) {
	var section []byte
	section = append(section, frameCIE([]byte{
		frame.DW_CFA_def_cfa, 6, 16,
		frame.DW_CFA_offset | 16, 1,
	})...)
	section = append(section, frameFDE(0, 0x4005a0, 0x100, nil)...)
	image := buildModuleImage(t, section)

	mem := &fakeMem{base: 0x7fffffe000, data: make([]byte, 0x100)}
	mem.setWord(0x7fffffe028, 0) // single frame

	target := newTarget(mem, options)
	target.AddModule("test-exe", image, 0)

	th := &Thread{Tid: 42, Lwp: 43, Regs: testRegisters(0x4005b0, 0x7fffffe000, 0x7fffffe020)}
	target.Threads = []*Thread{th}
	return target, th
}

func TestDumpStackText(t *testing.T) {
	target, th := canonicalTarget(t, Options{Verbose: true})

	frames, err := target.UnwindThread(th)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var buf bytes.Buffer
	target.DumpStackText(&buf, th, frames)
	out := buf.String()

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "thread: 42, lwp: 43, type: 0", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "    [ip=00000000004005b0, cfa=0000007fffffe030]"), "frame line %q", lines[1])
	assert.Contains(t, lines[1], " in test-exe")
}

func TestDumpStackJSON(t *testing.T) {
	target, th := canonicalTarget(t, Options{})

	frames, err := target.UnwindThread(th)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, target.DumpStackJSON(&buf, th, frames))

	var decoded struct {
		TiTid  int `json:"ti_tid"`
		TiType int `json:"ti_type"`
		Stack  []struct {
			IP       uint64 `json:"ip"`
			Function string `json:"function"`
		} `json:"stack"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, 42, decoded.TiTid)
	require.Len(t, decoded.Stack, 1)
	assert.Equal(t, uint64(0x4005b0), decoded.Stack[0].IP)
	assert.NotEmpty(t, decoded.Stack[0].Function)
}
