// Command idreconcile は認証プロバイダーのIDとアプリケーションのユーザー行を照合・修復するCLI。
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hitoshi/idreconcile/internal/app"
)

func main() {
	if err := app.Run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "idreconcile: %v\n", err)
		os.Exit(app.ExitCode(err))
	}
}
