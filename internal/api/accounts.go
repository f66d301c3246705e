package api

import (
	"context"
	"math/big"
	"net/http"

	"capsule/internal/validation"
	"capsule/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// TokenDesk 本地账本的托管代币账户
type TokenDesk interface {
	BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner common.Address) (*big.Int, error)
	Approve(ctx context.Context, owner common.Address, amount *big.Int) (models.TxReceipt, error)
	Mint(ctx context.Context, to common.Address, amount *big.Int) (models.TxReceipt, error)
}

// WithTokenDesk 启用 /accounts、/allowance 和 /mint
func WithTokenDesk(d TokenDesk) Option {
	return func(s *Server) { s.desk = d }
}

func (s *Server) requireDesk(c *gin.Context) {
	if s.desk == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": gin.H{"message": "当前后端不支持代币账户操作"}})
		return
	}
	c.Next()
}

// getAccount 余额和给账本的授权额度
func (s *Server) getAccount(c *gin.Context) {
	holder, err := validation.ParseAddress(c.Param("address"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ctx := c.Request.Context()
	balance, err := s.desk.BalanceOf(ctx, holder)
	if err != nil {
		s.fail(c, err)
		return
	}
	allowance, err := s.desk.Allowance(ctx, holder)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":   holder.Hex(),
		"balance":   balance.String(),
		"allowance": allowance.String(),
	})
}

// approveLedger 调用者授权账本划转额度
func (s *Server) approveLedger(c *gin.Context) {
	var req models.AllowanceRequest
	if !s.bind(c, &req) {
		return
	}
	if err := s.validator.ValidateAllowance(&req).Err(); err != nil {
		s.fail(c, err)
		return
	}
	amount, err := validation.ParseAllowance(req.Amount)
	if err != nil {
		s.fail(c, err)
		return
	}

	owner := caller(c)
	if _, err := s.desk.Approve(c.Request.Context(), owner, amount); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": owner.Hex(), "allowance": amount.String()})
}

// mintToken 管理员增发托管代币
func (s *Server) mintToken(c *gin.Context) {
	var req models.MintRequest
	if !s.bind(c, &req) {
		return
	}
	if err := s.validator.ValidateMint(&req).Err(); err != nil {
		s.fail(c, err)
		return
	}
	amount, err := validation.ParseAmount(req.Amount)
	if err != nil {
		s.fail(c, err)
		return
	}

	to := common.HexToAddress(req.To)
	if _, err := s.desk.Mint(c.Request.Context(), to, amount); err != nil {
		s.fail(c, err)
		return
	}
	s.logger.WithField("component", "api").Infof("增发 %s 给 %s", amount, to.Hex())
	c.JSON(http.StatusOK, gin.H{"to": to.Hex(), "amount": amount.String()})
}
