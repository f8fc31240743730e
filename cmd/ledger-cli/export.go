package main

import (
	"fmt"

	"custody-ledger/internal/app"
	"custody-ledger/internal/services/forensicexport"
	"custody-ledger/internal/services/forensicpdf"

	"github.com/spf13/cobra"
)

func newExportCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Generate custody reports and case bundles",
	}
	cmd.AddCommand(newExportPDFCmd(g), newExportBundleCmd(g))
	return cmd
}

func newExportPDFCmd(g *globalOpts) *cobra.Command {
	var (
		caseID, note string
		masked       bool
	)
	cmd := &cobra.Command{
		Use:   "pdf",
		Short: "Render the chain-of-custody PDF report of a case",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openEnv(cmd, g)
			if err != nil {
				return err
			}
			defer env.Close()

			actor, err := env.actor(cmd.Context(), g.as)
			if err != nil {
				return err
			}
			res, err := forensicpdf.GenerateCustodyPDF(cmd.Context(), env.store, forensicpdf.Options{
				CaseID:    caseID,
				ReportDir: env.cfg.ReportDir,
				Actor:     actor,
				Note:      note,
				Masked:    masked,
				UserAgent: "ledger-cli/" + app.Version,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "custody pdf generated")
			fmt.Fprintf(out, "report_id=%s\n", res.ReportID)
			fmt.Fprintf(out, "pdf=%s\n", res.PDFPath)
			fmt.Fprintf(out, "sha256=%s\n", res.PDFSHA256)
			for _, w := range res.Warnings {
				fmt.Fprintf(out, "WARN %s\n", w)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&caseID, "case-id", "", "case id (required)")
	cmd.Flags().StringVar(&note, "note", "", "note printed on the report")
	cmd.Flags().BoolVar(&masked, "masked", false, "hide client details for external sharing")
	_ = cmd.MarkFlagRequired("case-id")
	return cmd
}

func newExportBundleCmd(g *globalOpts) *cobra.Command {
	var (
		caseID, note string
		masked       bool
	)
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Pack case evidence, reports and custody chains into a verifiable ZIP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openEnv(cmd, g)
			if err != nil {
				return err
			}
			defer env.Close()

			actor, err := env.actor(cmd.Context(), g.as)
			if err != nil {
				return err
			}
			res, err := forensicexport.GenerateCaseBundle(cmd.Context(), env.store, forensicexport.BundleOptions{
				CaseID:    caseID,
				ExportDir: env.cfg.ReportDir,
				Actor:     actor,
				Note:      note,
				Masked:    masked,
				UserAgent: "ledger-cli/" + app.Version,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "case bundle generated")
			fmt.Fprintf(out, "report_id=%s\n", res.ReportID)
			fmt.Fprintf(out, "zip=%s\n", res.ZipPath)
			fmt.Fprintf(out, "sha256=%s\n", res.ZipSHA256)
			for _, w := range res.Warnings {
				fmt.Fprintf(out, "WARN %s\n", w)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&caseID, "case-id", "", "case id (required)")
	cmd.Flags().StringVar(&note, "note", "", "note recorded in the manifest")
	cmd.Flags().BoolVar(&masked, "masked", false, "hide client details for external sharing")
	_ = cmd.MarkFlagRequired("case-id")
	return cmd
}
