// bls 封装了kyber的bn256曲线上的BLS签名，共识节点用它对区块头hash签名，
// 多个Commit签名最终聚合成区块的见证
package bls

import (
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
)

var (
	suite = bn256.NewSuite()

	ErrEmptyAggregate = errors.New("nothing to aggregate")
)

// PrivKey 节点私钥，G2群上的标量
type PrivKey []byte

// PubKey 节点公钥，G2群上的点
type PubKey []byte

// GenPrivKey 随机生成一个私钥
func GenPrivKey() PrivKey {
	priv, _ := bls.NewKeyPair(suite, suite.RandomStream())
	return mustMarshalScalar(priv)
}

// GenPrivKeyFromSecret 使用secret作为种子确定性地生成私钥，测试网络和gen-validator使用
func GenPrivKeyFromSecret(secret []byte) PrivKey {
	priv, _ := bls.NewKeyPair(suite, suite.XOF(secret))
	return mustMarshalScalar(priv)
}

func (k PrivKey) scalar() (kyber.Scalar, error) {
	s := suite.G2().Scalar()
	if err := s.UnmarshalBinary(k); err != nil {
		return nil, fmt.Errorf("invalid bls private key: %w", err)
	}
	return s, nil
}

// PubKey 返回私钥对应的公钥
func (k PrivKey) PubKey() (PubKey, error) {
	s, err := k.scalar()
	if err != nil {
		return nil, err
	}
	p := suite.G2().Point().Mul(s, nil)
	return p.MarshalBinary()
}

// Sign 对msg签名
func (k PrivKey) Sign(msg []byte) ([]byte, error) {
	s, err := k.scalar()
	if err != nil {
		return nil, err
	}
	return bls.Sign(suite, s, msg)
}

func (p PubKey) point() (kyber.Point, error) {
	pt := suite.G2().Point()
	if err := pt.UnmarshalBinary(p); err != nil {
		return nil, fmt.Errorf("invalid bls public key: %w", err)
	}
	return pt, nil
}

// Verify 验证单个签名或聚合签名
func (p PubKey) Verify(msg, sig []byte) error {
	pt, err := p.point()
	if err != nil {
		return err
	}
	return bls.Verify(suite, pt, msg, sig)
}

// AggregateSignatures 将同一消息上的多个签名聚合成一个
func AggregateSignatures(sigs ...[]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, ErrEmptyAggregate
	}
	return bls.AggregateSignatures(suite, sigs...)
}

// AggregatePubKeys 聚合公钥，用来验证AggregateSignatures的结果
func AggregatePubKeys(keys ...PubKey) (PubKey, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyAggregate
	}
	points := make([]kyber.Point, len(keys))
	for i, k := range keys {
		pt, err := k.point()
		if err != nil {
			return nil, err
		}
		points[i] = pt
	}
	return bls.AggregatePublicKeys(suite, points...).MarshalBinary()
}

// VerifyAggregate 验证keys对msg的聚合签名
func VerifyAggregate(keys []PubKey, msg, sig []byte) error {
	agg, err := AggregatePubKeys(keys...)
	if err != nil {
		return err
	}
	return agg.Verify(msg, sig)
}

func mustMarshalScalar(s kyber.Scalar) PrivKey {
	bz, err := s.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return bz
}
