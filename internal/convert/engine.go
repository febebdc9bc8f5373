// Package convert は変換エンジン（PDF → Word）との境界を定義します。
//
// 変換そのものは外部の遅くて失敗しうる処理として扱い、ジョブ管理側は
// Engine インターフェースだけに依存します。
package convert

import "context"

// Engine は入力ファイルを変換し、生成されたファイルのパスを返します。
// outputHint は出力先の推奨パスです。エンジンは別の場所に書いても構いません。
// outputHint のディレクトリはジョブ専用で、変換後に中身ごと削除されます。
// ctx がキャンセルされた場合は速やかに処理を中断することが期待されます。
type Engine interface {
	Convert(ctx context.Context, inputPath, outputHint string) (string, error)
}

// Func は通常の関数を Engine として使うためのアダプターです。
type Func func(ctx context.Context, inputPath, outputHint string) (string, error)

// Convert は f(ctx, inputPath, outputHint) を呼び出します。
func (f Func) Convert(ctx context.Context, inputPath, outputHint string) (string, error) {
	return f(ctx, inputPath, outputHint)
}
