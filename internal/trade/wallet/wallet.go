package wallet

import (
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	xerrors "SolRounds/internal/errors"
	"SolRounds/internal/trade"
)

// Wallet 持有本地私钥并对聚合器构建的交易签名。
// 私钥只进不出：除签名外不提供任何读取途径。
type Wallet struct {
	key solana.PrivateKey
}

// NewFromBase58 从 base58 编码的私钥构造钱包。
func NewFromBase58(encoded string) (*Wallet, error) {
	key, err := solana.PrivateKeyFromBase58(encoded)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "私钥解析失败")
	}
	return &Wallet{key: key}, nil
}

// PublicKey 返回钱包公钥的 base58 形式。
func (w *Wallet) PublicKey() string {
	return w.key.PublicKey().String()
}

// Sign 反序列化未签名交易并补上本地签名，返回可提交的字节与首个签名。
func (w *Wallet) Sign(tx *trade.UnsignedTx) (*trade.SignedTx, error) {
	decoded, err := solana.TransactionFromDecoder(bin.NewBinDecoder(tx.Payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignFailure, err, "交易反序列化失败")
	}

	owner := w.key.PublicKey()
	if _, err := decoded.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(owner) {
			return &w.key
		}
		return nil
	}); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignFailure, err, "交易签名失败")
	}

	raw, err := decoded.MarshalBinary()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignFailure, err, "已签名交易序列化失败")
	}
	if len(decoded.Signatures) == 0 {
		return nil, xerrors.New(xerrors.CodeSignFailure, "签名后交易缺少签名")
	}
	return &trade.SignedTx{
		Payload:   raw,
		Signature: decoded.Signatures[0].String(),
	}, nil
}
