package codec

// Type flags. Key flags are chosen so that bytes.Compare on encoded keys
// agrees with types.SortCompare: booleans, numbers, strings, then NULL.
const (
	boolFlag   byte = 0x02
	numberFlag byte = 0x03
	stringFlag byte = 0x04
	nilFlag    byte = 0xFF
)

// Row flags used by the spill row format.
const (
	rowNull   byte = 0
	rowFalse  byte = 1
	rowTrue   byte = 2
	rowInt    byte = 3
	rowFloat  byte = 4
	rowString byte = 5
)
