// Package main はAPIサーバーと変換CLIのエントリーポイントです。
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	serviceName    = "paper-convert-api"
	serviceVersion = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   "paper-convert",
	Short: "PDF を Word (docx) に変換するジョブサーバー",
	Long: `paper-convert はアップロードされた PDF を非同期ジョブとして Word 形式に変換します。
サブコマンドを省略した場合は serve と同じく HTTP サーバーを起動します。`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "HTTP API サーバーを起動する",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var convertCmd = &cobra.Command{
	Use:   "convert file.pdf",
	Short: "PDF を1件だけ変換して docx を書き出す",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, err := cmd.Flags().GetString("output")
		if err != nil {
			return err
		}
		return runConvert(cmd.Context(), args[0], output)
	},
}

func init() {
	convertCmd.Flags().StringP("output", "o", "", "出力先の docx パス（省略時は入力と同じ場所）")
	rootCmd.AddCommand(serveCmd, convertCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
