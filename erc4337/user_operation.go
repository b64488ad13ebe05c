package erc4337

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// EntryPointV07 address constant
var EntryPointV07 = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")

// UserOperation represents the unpacked ERC-4337 v0.7 user operation
type UserOperation struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory"`
	FactoryData                   hexutil.Bytes   `json:"factoryData"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

// quantityFields lists the numeric fields accepted as loose hex quantities ("0x00", "0x0001")
var quantityFields = []string{
	"nonce",
	"callGasLimit",
	"verificationGasLimit",
	"preVerificationGas",
	"maxPriorityFeePerGas",
	"maxFeePerGas",
	"paymasterVerificationGasLimit",
	"paymasterPostOpGasLimit",
}

// UnmarshalJSON accepts quantities with leading zeros, which wallets commonly send
// and hexutil.Big rejects.
func (uo *UserOperation) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	quantities := make(map[string]*big.Int, len(quantityFields))
	for _, field := range quantityFields {
		value, ok := raw[field]
		if !ok {
			continue
		}
		delete(raw, field)

		var s *string
		if err := json.Unmarshal(value, &s); err != nil {
			return fmt.Errorf("invalid %s: %w", field, err)
		}
		if s == nil {
			continue
		}
		q, err := parseQuantity(*s)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", field, err)
		}
		quantities[field] = q
	}

	rest, err := json.Marshal(raw)
	if err != nil {
		return err
	}

	type plain UserOperation
	var op plain
	if err := json.Unmarshal(rest, &op); err != nil {
		return err
	}
	*uo = UserOperation(op)

	targets := map[string]**hexutil.Big{
		"nonce":                         &uo.Nonce,
		"callGasLimit":                  &uo.CallGasLimit,
		"verificationGasLimit":          &uo.VerificationGasLimit,
		"preVerificationGas":            &uo.PreVerificationGas,
		"maxPriorityFeePerGas":          &uo.MaxPriorityFeePerGas,
		"maxFeePerGas":                  &uo.MaxFeePerGas,
		"paymasterVerificationGasLimit": &uo.PaymasterVerificationGasLimit,
		"paymasterPostOpGasLimit":       &uo.PaymasterPostOpGasLimit,
	}
	for field, q := range quantities {
		*targets[field] = (*hexutil.Big)(q)
	}
	return nil
}

func parseQuantity(s string) (*big.Int, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return big.NewInt(0), nil
	}
	q, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity: 0x%s", s)
	}
	return q, nil
}

func bigOrZero(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set((*big.Int)(v))
}

// MaxFee returns maxFeePerGas, zero when unset
func (uo *UserOperation) MaxFee() *big.Int {
	return bigOrZero(uo.MaxFeePerGas)
}

// PostOpGasLimit returns paymasterPostOpGasLimit, zero when unset
func (uo *UserOperation) PostOpGasLimit() *big.Int {
	return bigOrZero(uo.PaymasterPostOpGasLimit)
}

// RequiredPrefund is the worst-case native cost the entry point reserves for the operation:
// the sum of every gas limit times maxFeePerGas.
func (uo *UserOperation) RequiredPrefund() *big.Int {
	gas := new(big.Int)
	for _, limit := range []*hexutil.Big{
		uo.VerificationGasLimit,
		uo.CallGasLimit,
		uo.PaymasterVerificationGasLimit,
		uo.PaymasterPostOpGasLimit,
		uo.PreVerificationGas,
	} {
		gas.Add(gas, bigOrZero(limit))
	}
	return gas.Mul(gas, uo.MaxFee())
}

// PackedUserOp is the on-chain encoding of a v0.7 user operation
type PackedUserOp struct {
	Sender             common.Address `json:"sender"`
	Nonce              *big.Int       `json:"nonce"`
	InitCode           hexutil.Bytes  `json:"initCode"`
	CallData           hexutil.Bytes  `json:"callData"`
	AccountGasLimits   [32]byte       `json:"accountGasLimits"`
	PreVerificationGas *big.Int       `json:"preVerificationGas"`
	GasFees            [32]byte       `json:"gasFees"`
	PaymasterAndData   hexutil.Bytes  `json:"paymasterAndData"`
	Signature          hexutil.Bytes  `json:"signature"`
}

var uint128Mask = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// packUint128Pair left-pads hi and lo into the two 16-byte halves of a word.
// Values wider than 128 bits are truncated; Validate rejects them beforehand.
func packUint128Pair(hi, lo *hexutil.Big) [32]byte {
	var word [32]byte
	new(big.Int).And(bigOrZero(hi), uint128Mask).FillBytes(word[:16])
	new(big.Int).And(bigOrZero(lo), uint128Mask).FillBytes(word[16:])
	return word
}

// Validate checks that every packed gas field fits its uint128 slot
func (uo *UserOperation) Validate() error {
	fields := map[string]*hexutil.Big{
		"callGasLimit":                  uo.CallGasLimit,
		"verificationGasLimit":          uo.VerificationGasLimit,
		"maxPriorityFeePerGas":          uo.MaxPriorityFeePerGas,
		"maxFeePerGas":                  uo.MaxFeePerGas,
		"paymasterVerificationGasLimit": uo.PaymasterVerificationGasLimit,
		"paymasterPostOpGasLimit":       uo.PaymasterPostOpGasLimit,
	}
	for name, v := range fields {
		if v == nil {
			continue
		}
		if (*big.Int)(v).Sign() < 0 || (*big.Int)(v).BitLen() > 128 {
			return fmt.Errorf("%s does not fit in uint128", name)
		}
	}
	return nil
}

// PackUserOp packs a UserOperation into a PackedUserOp according to ERC-4337 v0.7
func (uo *UserOperation) PackUserOp() *PackedUserOp {
	packed := &PackedUserOp{
		Sender:             uo.Sender,
		Nonce:              bigOrZero(uo.Nonce),
		InitCode:           hexutil.Bytes{},
		CallData:           uo.CallData,
		AccountGasLimits:   packUint128Pair(uo.VerificationGasLimit, uo.CallGasLimit),
		PreVerificationGas: bigOrZero(uo.PreVerificationGas),
		GasFees:            packUint128Pair(uo.MaxPriorityFeePerGas, uo.MaxFeePerGas),
		PaymasterAndData:   hexutil.Bytes{},
		Signature:          uo.Signature,
	}

	if uo.Factory != nil && len(uo.FactoryData) > 0 {
		packed.InitCode = append(append(hexutil.Bytes{}, uo.Factory.Bytes()...), uo.FactoryData...)
	}

	// paymaster(20) | paymasterVerificationGasLimit(16) | paymasterPostOpGasLimit(16) | paymasterData
	if uo.Paymaster != nil {
		limits := packUint128Pair(uo.PaymasterVerificationGasLimit, uo.PaymasterPostOpGasLimit)
		data := make(hexutil.Bytes, 0, 52+len(uo.PaymasterData))
		data = append(data, uo.Paymaster.Bytes()...)
		data = append(data, limits[:]...)
		data = append(data, uo.PaymasterData...)
		packed.PaymasterAndData = data
	}

	return packed
}

var (
	addressType, _ = abi.NewType("address", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
	bytes32Type, _ = abi.NewType("bytes32", "", nil)
)

// GetUserOpHash computes the user operation hash for the given entry point and chain
func (uo *UserOperation) GetUserOpHash(entryPoint common.Address, chainId *big.Int) (common.Hash, error) {
	packed := uo.PackUserOp()

	userOpArgs := abi.Arguments{
		{Type: addressType}, // sender
		{Type: uint256Type}, // nonce
		{Type: bytes32Type}, // hashedInitCode
		{Type: bytes32Type}, // hashedCallData
		{Type: bytes32Type}, // accountGasLimits
		{Type: uint256Type}, // preVerificationGas
		{Type: bytes32Type}, // gasFees
		{Type: bytes32Type}, // hashedPaymasterAndData
	}

	userOpEncoded, err := userOpArgs.Pack(
		packed.Sender,
		packed.Nonce,
		crypto.Keccak256Hash(packed.InitCode),
		crypto.Keccak256Hash(packed.CallData),
		packed.AccountGasLimits,
		packed.PreVerificationGas,
		packed.GasFees,
		crypto.Keccak256Hash(packed.PaymasterAndData),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode user operation: %w", err)
	}

	finalArgs := abi.Arguments{
		{Type: bytes32Type}, // userOpHash
		{Type: addressType}, // entryPoint
		{Type: uint256Type}, // chainId
	}

	finalEncoded, err := finalArgs.Pack(crypto.Keccak256Hash(userOpEncoded), entryPoint, chainId)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode final hash: %w", err)
	}

	return crypto.Keccak256Hash(finalEncoded), nil
}

// GetUserOpHashV07 computes the user operation hash against the canonical v0.7 entry point
func (uo *UserOperation) GetUserOpHashV07(chainId *big.Int) (common.Hash, error) {
	return uo.GetUserOpHash(EntryPointV07, chainId)
}
