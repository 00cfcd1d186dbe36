package info

import "fmt"

// Form is the on-wire encoding of an attribute value.
type Form uint64

// The DWARF v2/v3 forms understood by the decoder.
const (
	DW_FORM_addr      Form = 0x01
	DW_FORM_block2    Form = 0x03
	DW_FORM_block4    Form = 0x04
	DW_FORM_data2     Form = 0x05
	DW_FORM_data4     Form = 0x06
	DW_FORM_data8     Form = 0x07
	DW_FORM_string    Form = 0x08
	DW_FORM_block     Form = 0x09
	DW_FORM_block1    Form = 0x0a
	DW_FORM_data1     Form = 0x0b
	DW_FORM_flag      Form = 0x0c
	DW_FORM_sdata     Form = 0x0d
	DW_FORM_strp      Form = 0x0e
	DW_FORM_udata     Form = 0x0f
	DW_FORM_ref_addr  Form = 0x10
	DW_FORM_ref2      Form = 0x12
	DW_FORM_ref4      Form = 0x13
	DW_FORM_ref8      Form = 0x14
)

// UnsupportedFormError reports an attribute form outside the
// implemented subset.
type UnsupportedFormError struct {
	Form   Form
	Offset uint64
}

func (err *UnsupportedFormError) Error() string {
	return fmt.Sprintf("unsupported attribute form %#x at %#x", uint64(err.Form), err.Offset)
}
