package api

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"capsule/internal/errors"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
)

// 签名请求头
const (
	HeaderAddress   = "X-Capsule-Address"
	HeaderTimestamp = "X-Capsule-Timestamp"
	HeaderNonce     = "X-Capsule-Nonce"
	HeaderSignature = "X-Capsule-Signature"
)

const callerKey = "capsule.caller"

// DefaultSignatureSkew 允许的时间戳偏差
const DefaultSignatureSkew = 5 * time.Minute

// maxNonceLength 随机串长度上限
const maxNonceLength = 128

// SignedPayload 参与签名的请求内容
type SignedPayload struct {
	Method    string
	Path      string
	Timestamp string
	Nonce     string
	Body      []byte
}

func (p SignedPayload) digest() []byte {
	var buf bytes.Buffer
	buf.WriteString(p.Method)
	buf.WriteByte('\n')
	buf.WriteString(p.Path)
	buf.WriteByte('\n')
	buf.WriteString(p.Timestamp)
	buf.WriteByte('\n')
	buf.WriteString(p.Nonce)
	buf.WriteByte('\n')
	buf.Write(p.Body)
	return accounts.TextHash(buf.Bytes())
}

// SignRequest 对 method/path/timestamp/nonce/body 做personal_sign签名
func SignRequest(key *ecdsa.PrivateKey, p SignedPayload) (string, error) {
	sig, err := crypto.Sign(p.digest(), key)
	if err != nil {
		return "", fmt.Errorf("签名失败: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// RecoverSigner 从签名恢复签名者地址，V值接受0/1和27/28
func RecoverSigner(p SignedPayload, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("签名格式错误: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("签名长度错误: %d", len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(p.digest(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("恢复签名者失败: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func unauthorized(c *gin.Context, format string, args ...interface{}) {
	err := errors.ErrUnauthorized.Withf(format, args...)
	c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(err))
}

// requireSignature 校验调用者签名，通过后把地址放入上下文
func (s *Server) requireSignature() gin.HandlerFunc {
	return func(c *gin.Context) {
		address := c.GetHeader(HeaderAddress)
		timestamp := c.GetHeader(HeaderTimestamp)
		nonce := c.GetHeader(HeaderNonce)
		signature := c.GetHeader(HeaderSignature)
		if address == "" || timestamp == "" || nonce == "" || signature == "" {
			unauthorized(c, "缺少签名请求头")
			return
		}
		if len(nonce) > maxNonceLength {
			unauthorized(c, "随机串过长")
			return
		}
		if !common.IsHexAddress(address) {
			unauthorized(c, "地址格式错误: %s", address)
			return
		}

		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			unauthorized(c, "时间戳格式错误")
			return
		}
		signedAt := time.Unix(ts, 0)
		skew := s.now().Sub(signedAt)
		if skew < 0 {
			skew = -skew
		}
		if skew > s.skew {
			unauthorized(c, "签名已过期")
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error()}})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		signer, err := RecoverSigner(SignedPayload{
			Method:    c.Request.Method,
			Path:      c.Request.URL.Path,
			Timestamp: timestamp,
			Nonce:     nonce,
			Body:      body,
		}, signature)
		if err != nil {
			unauthorized(c, "%v", err)
			return
		}
		if signer != common.HexToAddress(address) {
			unauthorized(c, "签名者与声明地址不一致")
			return
		}
		// 只记录验签通过的请求
		if !s.replay.remember(signer, nonce, signedAt.Add(s.skew)) {
			unauthorized(c, "请求已处理过")
			return
		}

		c.Set(callerKey, signer)
		c.Next()
	}
}

func caller(c *gin.Context) common.Address {
	if v, ok := c.Get(callerKey); ok {
		if addr, ok := v.(common.Address); ok {
			return addr
		}
	}
	return common.Address{}
}
