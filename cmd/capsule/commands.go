package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"capsule/internal/app"
	"capsule/internal/bridge"
	"capsule/internal/contracts"
	"capsule/internal/orchestrator"
	"capsule/internal/validation"
	"capsule/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// withApp 组装组件后执行fn，结束时停机
func withApp(fn func(ctx context.Context, a *app.App, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a, args)
	}
}

// account 未指定--from时使用链上私钥对应的账户
func account(a *app.App, from string) (common.Address, error) {
	if from != "" {
		return validation.ParseAddress(from)
	}
	if a.Chain != nil && a.Chain.Account() != (common.Address{}) {
		return a.Chain.Account(), nil
	}
	return common.Address{}, fmt.Errorf("需要指定 --from")
}

// connect 以指定账户连接编排层会话
func connect(ctx context.Context, a *app.App, from string) (*orchestrator.Session, error) {
	addr, err := account(a, from)
	if err != nil {
		return nil, err
	}
	session := a.NewSession()
	if err := session.Connect(ctx, orchestrator.StaticWallet{Address: addr, Chain: a.ChainID()}); err != nil {
		return nil, err
	}
	return session, nil
}

// parseUnlock 接受unix秒或相对时长(+24h)
func parseUnlock(value string, now int64) (int64, error) {
	if strings.HasPrefix(value, "+") {
		d, err := time.ParseDuration(value[1:])
		if err != nil {
			return 0, fmt.Errorf("解锁时间格式错误: %w", err)
		}
		return now + int64(d/time.Second), nil
	}
	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("解锁时间格式错误: %w", err)
	}
	return ts, nil
}

func parseID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("胶囊编号格式错误: %s", arg)
	}
	return id, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(res bridge.Result) error {
	switch r := res.(type) {
	case bridge.Success:
		fmt.Printf("跨链执行成功: %s\n", r.TxHash.Hex())
	case bridge.SuccessUnknownHash:
		fmt.Println("跨链执行成功，未返回交易哈希")
	case bridge.Failure:
		return fmt.Errorf("跨链执行失败: %s", r.Reason)
	}
	return nil
}

func createCmd() *cobra.Command {
	var from, amount, message, fileHash, unlock, symbol string
	var destChain uint64

	cmd := &cobra.Command{
		Use:   "create",
		Short: "创建胶囊",
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			session, err := connect(ctx, a, from)
			if err != nil {
				return err
			}
			now, err := a.Backend().Now(ctx)
			if err != nil {
				return err
			}
			unlockTime, err := parseUnlock(unlock, now)
			if err != nil {
				return err
			}

			if symbol != "" {
				res, err := session.CreateEscrowCrossChain(ctx, amount, symbol, message, fileHash, unlockTime, destChain)
				if err != nil {
					return err
				}
				return printResult(res)
			}

			receipt, err := session.CreateEscrow(ctx, amount, message, fileHash, unlockTime)
			if err != nil {
				return err
			}
			return printJSON(receipt)
		}),
	}

	cmd.Flags().StringVar(&from, "from", "", "创建者地址")
	cmd.Flags().StringVar(&amount, "amount", "", "金额，按代币精度填写，如 1.5")
	cmd.Flags().StringVar(&message, "message", "", "留言")
	cmd.Flags().StringVar(&fileHash, "file-hash", "", "附件指纹")
	cmd.Flags().StringVar(&unlock, "unlock", "+24h", "解锁时间，unix秒或 +时长")
	cmd.Flags().StringVar(&symbol, "bridge-token", "", "跨链资产 (USDC, USDT, ETH)，为空时本链创建")
	cmd.Flags().Uint64Var(&destChain, "dest-chain", bridge.ChainSepolia, "跨链目标链")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "查看胶囊",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			entry, err := a.Backend().GetEscrow(ctx, id)
			if err != nil {
				return err
			}
			now, err := a.Backend().Now(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"capsule": entry,
				"amount":  orchestrator.FormatUnits(entry.Amount, a.Config.Ledger.TokenDecimals),
				"status":  entry.Status(now),
			})
		}),
	}
}

func listCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "列出账户名下的胶囊及汇总",
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			session, err := connect(ctx, a, owner)
			if err != nil {
				return err
			}
			entries, err := session.MyEscrows(ctx)
			if err != nil {
				return err
			}
			summary, err := session.Summary(ctx)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("#%d  %s  unlock=%s  opened=%v\n", e.ID, session.FormatAmount(e.Amount),
					time.Unix(e.UnlockTime, 0).UTC().Format(time.RFC3339), e.Opened)
			}
			fmt.Printf("共 %d 个，锁定 %s，可提取 %d，已提取 %d\n",
				summary.Count, session.FormatAmount(summary.LockedValue), summary.ReadyToOpen, summary.Opened)
			return nil
		}),
	}
	cmd.Flags().StringVar(&owner, "owner", "", "所有者地址")
	return cmd
}

func transferCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "transfer <id>",
		Short: "转移胶囊所有权",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := a.Validator.ValidateTransfer(&models.TransferRequest{NewOwner: to}).Err(); err != nil {
				return err
			}
			session, err := connect(ctx, a, from)
			if err != nil {
				return err
			}
			receipt, err := session.TransferOwnership(ctx, id, common.HexToAddress(to))
			if err != nil {
				return err
			}
			return printJSON(receipt)
		}),
	}
	cmd.Flags().StringVar(&from, "from", "", "当前所有者")
	cmd.Flags().StringVar(&to, "to", "", "新所有者")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func openCmd() *cobra.Command {
	var from string
	var destChain uint64
	cmd := &cobra.Command{
		Use:   "open <id>",
		Short: "提取到期胶囊",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			session, err := connect(ctx, a, from)
			if err != nil {
				return err
			}
			if destChain != 0 {
				res, err := session.WithdrawCrossChain(ctx, id, destChain)
				if err != nil {
					return err
				}
				return printResult(res)
			}
			receipt, err := session.OpenEscrow(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(receipt)
		}),
	}
	cmd.Flags().StringVar(&from, "from", "", "所有者地址")
	cmd.Flags().Uint64Var(&destChain, "dest-chain", 0, "在目标链上通过跨链执行提取")
	return cmd
}

func rescueCmd() *cobra.Command {
	var from, tokenAddr, amount string
	cmd := &cobra.Command{
		Use:   "rescue",
		Short: "管理员取回误转入的其他代币",
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			caller, err := account(a, from)
			if err != nil {
				return err
			}
			if err := a.Validator.ValidateRescue(&models.RescueRequest{Token: tokenAddr, Amount: amount}).Err(); err != nil {
				return err
			}
			value, err := validation.ParseAmount(amount)
			if err != nil {
				return err
			}
			receipt, err := a.Backend().RescueOtherToken(ctx, caller, common.HexToAddress(tokenAddr), value)
			if err != nil {
				return err
			}
			return printJSON(receipt)
		}),
	}
	cmd.Flags().StringVar(&from, "from", "", "管理员地址")
	cmd.Flags().StringVar(&tokenAddr, "token", "", "代币地址")
	cmd.Flags().StringVar(&amount, "amount", "", "最小单位金额")
	return cmd
}

func mintCmd() *cobra.Command {
	var to, amount string
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "给账户增发托管代币（测试网）",
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			holder, err := validation.ParseAddress(to)
			if err != nil {
				return err
			}
			value, err := orchestrator.ParseUnits(amount, a.Config.Ledger.TokenDecimals)
			if err != nil {
				return err
			}
			if _, err := a.Backend().Mint(ctx, holder, value); err != nil {
				return err
			}
			balance, err := a.Backend().BalanceOf(ctx, holder)
			if err != nil {
				return err
			}
			fmt.Printf("%s 余额: %s\n", holder.Hex(), orchestrator.FormatUnits(balance, a.Config.Ledger.TokenDecimals))
			return nil
		}),
	}
	cmd.Flags().StringVar(&to, "to", "", "接收地址")
	cmd.Flags().StringVar(&amount, "amount", "", "金额")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func custodyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "custody",
		Short: "本地账本托管对账",
		RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
			report, err := a.Ledger.Custody(ctx)
			if err != nil {
				return err
			}
			decimals := a.Config.Ledger.TokenDecimals
			fmt.Printf("托管余额 %s，未提取 %s (%d/%d)，偿付: %v\n",
				orchestrator.FormatUnits(report.Balance, decimals),
				orchestrator.FormatUnits(report.Locked, decimals),
				report.Open, report.Count, report.Solvent())
			return nil
		}),
	}
}

func decodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <calldata>",
		Short: "解码胶囊合约调用数据",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decoder, err := contracts.NewCallDecoder(logrus.New(), 16)
			if err != nil {
				return err
			}
			call, ok := decoder.DecodeHex(args[0])
			if !ok {
				return fmt.Errorf("无法解码调用数据")
			}
			return printJSON(call)
		},
	}
}
