package lifesupport

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Lifeline-Treasury/internal/errors"
	"Lifeline-Treasury/internal/ledger"
)

const defaultIdempotencyWindow = 10 * time.Minute

// Policy 是控制器的决策参数。金额均为十进制字符串，按资产精度换算。
type Policy struct {
	OperatingLedger string
	OperatingAsset  string
	ReserveLedger   string
	ReserveAsset    string

	// Threshold 以运营资产计；余额不低于该值时不做任何操作。
	Threshold string
	// ReserveMinimum 以储备资产计；储备低于该值时不触发转账。
	ReserveMinimum string
	// TransferAmount 与 FeeReserve 以储备资产计。
	TransferAmount string
	FeeReserve     string
	// MinOut 以运营资产计，作为报价最小到账的下限。
	MinOut      string
	SlippageBps uint32
	// Destination 为空时转给自身地址。
	Destination string

	IdempotencyWindow time.Duration
}

type limits struct {
	threshold      *big.Int
	reserveMinimum *big.Int
	transfer       *big.Int
	fee            *big.Int
	minOut         *big.Int
	destination    common.Address
	window         time.Duration
}

// AssetResolver 提供资产精度。
type AssetResolver interface {
	Asset(ledgerName, symbol string) (ledger.Asset, error)
}

func (p Policy) resolve(assets AssetResolver) (limits, error) {
	var out limits
	if strings.TrimSpace(p.OperatingLedger) == "" || strings.TrimSpace(p.ReserveLedger) == "" {
		return out, xerrors.New(xerrors.CodeInvalidArgument, "必须配置运营账本与储备账本")
	}
	if p.SlippageBps >= 10_000 {
		return out, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("滑点 %d bps 超出范围", p.SlippageBps))
	}
	operating, err := assets.Asset(p.OperatingLedger, p.OperatingAsset)
	if err != nil {
		return out, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "运营资产配置无效")
	}
	reserve, err := assets.Asset(p.ReserveLedger, p.ReserveAsset)
	if err != nil {
		return out, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "储备资产配置无效")
	}

	if out.threshold, err = parseAmount("threshold", p.Threshold, operating.Decimals, true); err != nil {
		return out, err
	}
	if out.reserveMinimum, err = parseAmount("reserve_minimum", p.ReserveMinimum, reserve.Decimals, false); err != nil {
		return out, err
	}
	if out.transfer, err = parseAmount("transfer_amount", p.TransferAmount, reserve.Decimals, true); err != nil {
		return out, err
	}
	if out.transfer.Sign() == 0 {
		return out, xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须大于 0")
	}
	if out.fee, err = parseAmount("fee_reserve", p.FeeReserve, reserve.Decimals, false); err != nil {
		return out, err
	}
	if strings.TrimSpace(p.MinOut) != "" {
		if out.minOut, err = parseAmount("min_out", p.MinOut, operating.Decimals, true); err != nil {
			return out, err
		}
	}
	if dest := strings.TrimSpace(p.Destination); dest != "" {
		if !common.IsHexAddress(dest) {
			return out, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("收款地址 %q 无效", dest))
		}
		out.destination = common.HexToAddress(dest)
	}
	out.window = p.IdempotencyWindow
	if out.window <= 0 {
		out.window = defaultIdempotencyWindow
	}
	return out, nil
}

// required 返回触发转账所需的最低储备。
func (l limits) required() *big.Int {
	need := new(big.Int).Add(l.transfer, l.fee)
	if l.reserveMinimum != nil && l.reserveMinimum.Cmp(need) > 0 {
		need.Set(l.reserveMinimum)
	}
	return need
}

func parseAmount(name, value string, decimals uint8, required bool) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		if required {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("缺少 %s", name))
		}
		return new(big.Int), nil
	}
	amount, err := ledger.ParseUnits(value, decimals)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("%s 无效", name))
	}
	if amount.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s 不能为负数", name))
	}
	return amount, nil
}

// IdempotencyTag 由来源身份、收款地址、金额与时间窗口派生，同一窗口内的相同意图得到相同标签。
func IdempotencyTag(source, destination common.Address, amount *big.Int, at time.Time, window time.Duration) common.Hash {
	if window <= 0 {
		window = defaultIdempotencyWindow
	}
	var bucket [8]byte
	binary.BigEndian.PutUint64(bucket[:], uint64(at.UnixNano()/int64(window)))
	value := new(big.Int)
	if amount != nil {
		value.Set(amount)
	}
	return crypto.Keccak256Hash(
		source.Bytes(),
		destination.Bytes(),
		common.LeftPadBytes(value.Bytes(), 32),
		bucket[:],
	)
}
