package reserveconfig

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// The pool stores per-reserve settings in one packed 256-bit word
// (ReserveConfiguration.sol). A field is extracted by AND-ing the word
// with the bitwise NOT of its mask and shifting right to its start bit.
// Fields decoded here are the ones some protocol versions never emit a
// discrete change event for.
const (
	// bits 64-79
	ReserveFactorMask     = "0xFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF0000FFFFFFFFFFFFFFFF"
	ReserveFactorStartBit = 64

	// bits 152-167
	LiquidationProtocolFeeMask     = "0xFFFFFFFFFFFFFFFFFFFFFF0000FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF"
	LiquidationProtocolFeeStartBit = 152
)

const maskHexLen = 64

var wordMax = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Decode extracts the sub-field selected by maskHex from a packed
// configuration word. The mask has zero bits over the field and one
// bits everywhere else; startBit is the field's lowest bit position.
// The only failure mode is a malformed mask, which indicates a
// programming defect rather than bad chain data.
func Decode(word *big.Int, maskHex string, startBit uint) (*big.Int, error) {
	mask, err := parseMask(maskHex)
	if err != nil {
		return nil, err
	}
	// NOT(mask) within 256 bits selects the field's bits.
	sel := new(big.Int).Xor(mask, wordMax)
	field := new(big.Int).And(word, sel)
	return field.Rsh(field, startBit), nil
}

func parseMask(maskHex string) (*big.Int, error) {
	hexDigits := strings.TrimPrefix(maskHex, "0x")
	if len(hexDigits) != maskHexLen {
		return nil, fmt.Errorf("reserveconfig: mask must be %d hex digits, got %d", maskHexLen, len(hexDigits))
	}
	b, err := common.ParseHexOrString(maskHex)
	if err != nil {
		return nil, fmt.Errorf("reserveconfig: malformed mask %q: %w", maskHex, err)
	}
	return new(big.Int).SetBytes(b), nil
}
