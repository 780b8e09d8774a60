package chain

import (
	"context"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	xerrors "SolRounds/internal/errors"
)

// Client 封装 Solana RPC 节点，提供余额查询与签名确认状态查询。
type Client struct {
	rpc *rpc.Client
}

// NewClient 构造链上查询客户端。
func NewClient(rpcURL string) *Client {
	return &Client{rpc: rpc.New(rpcURL)}
}

// Balance 查询 owner 对应 mint 的余额，返回基础单位数量。
// wSOL 按账户原生 lamports 计，其他 mint 走关联代币账户。
func (c *Client) Balance(ctx context.Context, owner, mint string) (uint64, error) {
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "非法的持有人地址")
	}

	if mint == "So11111111111111111111111111111111111111112" {
		res, err := c.rpc.GetBalance(ctx, ownerKey, rpc.CommitmentConfirmed)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeTimeout, err, "查询 SOL 余额失败")
		}
		return res.Value, nil
	}

	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "非法的 mint 地址")
	}
	ata, _, err := solana.FindAssociatedTokenAddress(ownerKey, mintKey)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "推导关联代币账户失败")
	}

	res, err := c.rpc.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeTimeout, err, "查询代币余额失败")
	}
	amount, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "代币余额解析失败")
	}
	return amount, nil
}

// Finalized 查询签名是否已达到最终确认。
func (c *Client) Finalized(ctx context.Context, signature string) (bool, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "非法的交易签名")
	}

	res, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeTimeout, err, "查询签名状态失败")
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		return false, nil
	}
	status := res.Value[0]
	if status.Err != nil {
		return false, xerrors.New(xerrors.CodeRelayFailure, "交易在链上执行失败")
	}
	return status.ConfirmationStatus == rpc.ConfirmationStatusFinalized, nil
}
