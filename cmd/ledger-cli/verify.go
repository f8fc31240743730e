package main

import (
	"fmt"
	"io"
	"strings"

	"custody-ledger/internal/services/auditverify"
	"custody-ledger/internal/services/forensicexport"

	"github.com/spf13/cobra"
)

// verify 子命令：
// - verify audits：重算审计日志哈希链
// - verify custody：重算一件证据的保管链
// - verify evidence：重新计算证据文件摘要（写入 integrity_check 记录）
// - verify bundle：离线校验案件导出包，不需要数据库
func newVerifyCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify hash chains, evidence files and exported bundles",
	}
	cmd.AddCommand(
		newVerifyAuditsCmd(g),
		newVerifyCustodyCmd(g),
		newVerifyEvidenceCmd(g),
		newVerifyBundleCmd(),
	)
	return cmd
}

func newVerifyAuditsCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "audits",
		Short: "Recompute the audit log hash chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openEnv(cmd, g)
			if err != nil {
				return err
			}
			defer env.Close()

			logs, err := env.store.ListAuditChain(cmd.Context())
			if err != nil {
				return err
			}
			res := auditverify.VerifyAuditLogs(logs)
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "audit chain verify completed")
			printChainResult(out, "audit_chain", res)
			if !res.OK {
				return fmt.Errorf("audit chain verify failed: %d records mismatch", res.Failed)
			}
			return nil
		},
	}
}

func newVerifyCustodyCmd(g *globalOpts) *cobra.Command {
	var evidenceID string
	cmd := &cobra.Command{
		Use:   "custody",
		Short: "Recompute the custody chain of one evidence item",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openEnv(cmd, g)
			if err != nil {
				return err
			}
			defer env.Close()

			res, err := env.ledger().VerifyChain(cmd.Context(), evidenceID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "custody chain verify completed: evidence_id=%s\n", evidenceID)
			printChainResult(out, "custody_chain", res)
			if !res.OK {
				return fmt.Errorf("custody chain verify failed: %d records mismatch", res.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&evidenceID, "evidence-id", "", "evidence id (required)")
	_ = cmd.MarkFlagRequired("evidence-id")
	return cmd
}

func newVerifyEvidenceCmd(g *globalOpts) *cobra.Command {
	var evidenceID string
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Re-hash the stored evidence file against its descriptor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openEnv(cmd, g)
			if err != nil {
				return err
			}
			defer env.Close()
			ctx := cmd.Context()

			actor, err := env.actor(ctx, g.as)
			if err != nil {
				return err
			}
			report, verr := env.lifecycle().VerifyIntegrity(ctx, actor, evidenceID)
			if report == nil {
				return verr
			}
			env.audit(ctx, actor, "verify", "evidence", evidenceID, map[string]any{"result": report.Result, "event_id": report.EventID})

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "integrity check completed: evidence_no=%s result=%s\n", report.EvidenceNo, report.Result)
			fmt.Fprintf(out, "expected sha256=%s size=%d\n", report.ExpectedSHA256, report.ExpectedSize)
			if report.ActualSHA256 != "" {
				fmt.Fprintf(out, "actual   sha256=%s size=%d\n", report.ActualSHA256, report.ActualSize)
			}
			if report.Error != "" {
				fmt.Fprintf(out, "error=%s\n", report.Error)
			}
			fmt.Fprintf(out, "custody_event_id=%s\n", report.EventID)
			return verr
		},
	}
	cmd.Flags().StringVar(&evidenceID, "evidence-id", "", "evidence id (required)")
	_ = cmd.MarkFlagRequired("evidence-id")
	return cmd
}

func newVerifyBundleCmd() *cobra.Command {
	var zipPath string
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Verify an exported case bundle ZIP offline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(zipPath) == "" {
				return fmt.Errorf("--zip is required")
			}
			rep, err := forensicexport.VerifyBundle(zipPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "case bundle verify completed")
			fmt.Fprintf(out, "zip=%s\n", zipPath)
			fmt.Fprintf(out, "files_total=%d ok=%d failed=%d\n", rep.Total, rep.Passed, rep.Failed)
			for _, f := range rep.Files {
				if f.Status == "ok" {
					continue
				}
				fmt.Fprintf(out, "FAIL %s status=%s expected=%s actual=%s", f.Path, f.Status, f.Expected, f.Actual)
				if f.Error != "" {
					fmt.Fprintf(out, " error=%s", f.Error)
				}
				fmt.Fprintln(out)
			}
			for _, c := range rep.Chains {
				printChainResult(out, "custody_chain["+c.EvidenceNo+"]", c.Result)
				if !c.DescriptorOK {
					fmt.Fprintf(out, "FAIL custody_chain[%s] packed file does not match descriptor\n", c.EvidenceNo)
				}
			}
			if !rep.OK {
				return fmt.Errorf("case bundle verify failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&zipPath, "zip", "", "path to case bundle zip (required)")
	return cmd
}

func printChainResult(out io.Writer, label string, res auditverify.Result) {
	fmt.Fprintf(out, "%s_total=%d failed=%d prev_hash_failed=%d chain_hash_failed=%d\n",
		label, res.Total, res.Failed, res.PrevHashFailed, res.ChainHashFailed)
	if res.LastChainHash != "" {
		fmt.Fprintf(out, "%s_head=%s\n", label, res.LastChainHash)
	}
	for _, f := range res.Failures {
		fmt.Fprintf(out, "FAIL %s index=%d event_id=%s message=%s expected_prev=%s actual_prev=%s expected_hash=%s actual_hash=%s\n",
			label, f.Index, f.EventID, f.Message, f.ExpectedPrevHash, f.ActualPrevHash, f.ExpectedChainHash, f.ActualChainHash,
		)
	}
}
