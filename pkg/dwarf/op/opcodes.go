package op

// DWARF expression opcodes implemented by the evaluator. The unwinder
// and argument location decoding only need a small part of the
// standard's repertoire.
const (
	DW_OP_deref   Opcode = 0x06
	DW_OP_const2s Opcode = 0x0f
	DW_OP_const4u Opcode = 0x0c
	DW_OP_const4s Opcode = 0x0d
	DW_OP_minus   Opcode = 0x1c
	DW_OP_plus    Opcode = 0x22
	DW_OP_reg0    Opcode = 0x50
	DW_OP_reg31   Opcode = 0x6f
	DW_OP_breg0   Opcode = 0x70
	DW_OP_breg31  Opcode = 0x8f
)

var opcodeName = map[Opcode]string{
	DW_OP_deref:   "DW_OP_deref",
	DW_OP_const2s: "DW_OP_const2s",
	DW_OP_const4u: "DW_OP_const4u",
	DW_OP_const4s: "DW_OP_const4s",
	DW_OP_minus:   "DW_OP_minus",
	DW_OP_plus:    "DW_OP_plus",
}
