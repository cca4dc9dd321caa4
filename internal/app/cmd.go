package app

import (
	"context"
	"io"
	"log/slog"

	"github.com/go-extras/cobraflags"
	"github.com/spf13/cobra"

	"github.com/hitoshi/idreconcile/internal/config"
	"github.com/hitoshi/idreconcile/internal/model"
	"github.com/hitoshi/idreconcile/internal/reconcile"
)

// サブコマンド名
const (
	CommandDiagnose      = "diagnose"
	CommandRepair        = "repair"
	CommandScan          = "scan"
	CommandRegister      = "register"
	CommandResetPassword = "reset-password"
	CommandMigrate       = "migrate"
	CommandServe         = "serve"
	// CommandHealthcheck はdistroless環境でのDockerヘルスチェック用。
	CommandHealthcheck = "healthcheck"
)

// フラグ名
const (
	tenantFlag   = "tenant"
	emailFlag    = "email"
	passwordFlag = "password"
	dryRunFlag   = "dry-run"
)

// cli はサブコマンド間で共有する出力先と依存関係の生成関数を保持する。
type cli struct {
	stdout io.Writer
	stderr io.Writer

	// load と connect はテストで差し替える。
	load    func(w io.Writer) (*config.Config, *slog.Logger, error)
	connect func(ctx context.Context, cfg *config.Config, log *slog.Logger) (*toolkit, error)
}

// NewRootCommand はidreconcileのルートコマンドを生成する。
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	return newRootCommand(&cli{
		stdout:  stdout,
		stderr:  stderr,
		load:    Init,
		connect: newToolkit,
	})
}

func newRootCommand(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "idreconcile",
		Short: "Reconcile auth provider identities with tenant-scoped application users",
		Long: `idreconcile compares the external auth provider's identity with the application's
users row for one (tenant, email) pair, classifies the divergence and applies the
single repair that matches the classification.

Run "diagnose" first; it never writes. "repair" applies the repair, or only prints
the planned steps with --dry-run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return model.NewInvalidInputError(err.Error())
	})

	root.AddCommand(
		newDiagnoseCommand(c),
		newRepairCommand(c),
		newScanCommand(c),
		newRegisterCommand(c),
		newResetPasswordCommand(c),
		newMigrateCommand(c),
		newServeCommand(c),
		newHealthcheckCommand(),
	)
	return root
}

func tenantFlagDef() cobraflags.Flag {
	return &cobraflags.StringFlag{
		Name:  tenantFlag,
		Value: "",
		Usage: "Tenant id (required)",
	}
}

func emailFlagDef() cobraflags.Flag {
	return &cobraflags.StringFlag{
		Name:  emailFlag,
		Value: "",
		Usage: "Email address of the user (required, compared case-insensitively)",
	}
}

func passwordFlagDef(usage string) cobraflags.Flag {
	return &cobraflags.StringFlag{
		Name:  passwordFlag,
		Value: "",
		Usage: usage,
	}
}

func newDiagnoseCommand(c *cli) *cobra.Command {
	flags := map[string]cobraflags.Flag{
		tenantFlag: tenantFlagDef(),
		emailFlag:  emailFlagDef(),
	}
	cmd := &cobra.Command{
		Use:   CommandDiagnose,
		Short: "Classify one (tenant, email) pair without writing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runTarget(cmd.Context(), flags[tenantFlag].GetString(), flags[emailFlag].GetString(),
				func(ctx context.Context, d *reconcile.Dispatcher, tenant, email string) (*reconcile.Outcome, error) {
					return d.Diagnose(ctx, tenant, email)
				})
		},
	}
	cobraflags.RegisterMap(cmd, flags)
	return cmd
}

func newRepairCommand(c *cli) *cobra.Command {
	flags := map[string]cobraflags.Flag{
		tenantFlag:   tenantFlagDef(),
		emailFlag:    emailFlagDef(),
		passwordFlag: passwordFlagDef("Password for a new auth identity (AppOnly). A random one is issued when empty"),
	}
	var dryRun bool
	cmd := &cobra.Command{
		Use:   CommandRepair,
		Short: "Classify one (tenant, email) pair and apply the matching repair",
		Long: `Classify one (tenant, email) pair and apply the matching repair:

  Consistent    nothing to do
  IdMismatch    move the users row (and its settings/profile rows) to the auth identity's id
  AuthOnly      create the users row, first user of the tenant becomes super_user
  AppOnly       create the auth identity for the existing users row
  Absent        rejected, use "register"
  DuplicateApp  rejected, resolve the duplicate rows by hand

An interrupted IdMismatch repair is resumed on the next run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := reconcile.Options{
				Password: flags[passwordFlag].GetString(),
				DryRun:   dryRun,
			}
			return c.runTarget(cmd.Context(), flags[tenantFlag].GetString(), flags[emailFlag].GetString(),
				func(ctx context.Context, d *reconcile.Dispatcher, tenant, email string) (*reconcile.Outcome, error) {
					return d.Repair(ctx, tenant, email, opts)
				})
		},
	}
	cobraflags.RegisterMap(cmd, flags)
	cmd.Flags().BoolVar(&dryRun, dryRunFlag, false, "Report the planned steps without writing anything")
	return cmd
}

func newRegisterCommand(c *cli) *cobra.Command {
	flags := map[string]cobraflags.Flag{
		tenantFlag:   tenantFlagDef(),
		emailFlag:    emailFlagDef(),
		passwordFlag: passwordFlagDef("Password for the new auth identity (required)"),
	}
	cmd := &cobra.Command{
		Use:   CommandRegister,
		Short: "Create the auth identity and users row for an email that exists nowhere",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password := flags[passwordFlag].GetString()
			return c.runTarget(cmd.Context(), flags[tenantFlag].GetString(), flags[emailFlag].GetString(),
				func(ctx context.Context, d *reconcile.Dispatcher, tenant, email string) (*reconcile.Outcome, error) {
					return d.Register(ctx, tenant, email, password)
				})
		},
	}
	cobraflags.RegisterMap(cmd, flags)
	return cmd
}

func newResetPasswordCommand(c *cli) *cobra.Command {
	flags := map[string]cobraflags.Flag{
		tenantFlag:   tenantFlagDef(),
		emailFlag:    emailFlagDef(),
		passwordFlag: passwordFlagDef("New password (required)"),
	}
	cmd := &cobra.Command{
		Use:   CommandResetPassword,
		Short: "Set a new password on the auth identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password := flags[passwordFlag].GetString()
			return c.runTarget(cmd.Context(), flags[tenantFlag].GetString(), flags[emailFlag].GetString(),
				func(ctx context.Context, d *reconcile.Dispatcher, tenant, email string) (*reconcile.Outcome, error) {
					return d.ResetPassword(ctx, tenant, email, password)
				})
		},
	}
	cobraflags.RegisterMap(cmd, flags)
	return cmd
}

func newScanCommand(c *cli) *cobra.Command {
	flags := map[string]cobraflags.Flag{
		tenantFlag: tenantFlagDef(),
	}
	cmd := &cobra.Command{
		Use:   CommandScan,
		Short: "Classify every email of a tenant and print the list diff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenant := flags[tenantFlag].GetString()
			if tenant == "" {
				return model.NewInvalidInputError("tenant is required")
			}

			tk, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer tk.Close()
			defer tk.pushMetrics(cmd.Context())

			entries, err := tk.dispatcher.Scan(cmd.Context(), tenant)
			if err != nil {
				reconcile.WriteReport(c.stdout, nil, err)
				return err
			}
			return reconcile.WriteScan(c.stdout, tenant, entries)
		},
	}
	cobraflags.RegisterMap(cmd, flags)
	return cmd
}

func newMigrateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   CommandMigrate,
		Short: "Apply the embedded database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := c.load(c.stderr)
			if err != nil {
				return err
			}
			return runMigrate(c.stdout, cfg, log)
		},
	}
}

func newServeCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   CommandServe,
		Short: "Start the read-only HTTP diagnostics API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := c.load(c.stderr)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, log)
		},
	}
}

// healthcheck は軽量サブコマンドのため、フル初期化をスキップする。
func newHealthcheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   CommandHealthcheck,
		Short: "Check /health of the local serve process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHealthcheck(cmd.Context(), healthcheckBaseURL())
		},
	}
}

// dispatchFunc は検証済みの(tenant, email)に対して1回の照合操作を実行する。
type dispatchFunc func(ctx context.Context, d *reconcile.Dispatcher, tenant, email string) (*reconcile.Outcome, error)

// runTarget は入力を検証してから依存関係を生成し、操作を実行して結果をレポートする。
// 入力が不正な場合はDBや認証プロバイダーに接続しない。
func (c *cli) runTarget(ctx context.Context, tenant, email string, fn dispatchFunc) error {
	tenant, email, err := reconcile.ValidateTarget(tenant, email)
	if err != nil {
		reconcile.WriteReport(c.stdout, nil, err)
		return err
	}

	tk, err := c.open(ctx)
	if err != nil {
		reconcile.WriteReport(c.stdout, nil, err)
		return err
	}
	defer tk.Close()
	defer tk.pushMetrics(ctx)

	out, err := fn(ctx, tk.dispatcher, tenant, email)
	reconcile.WriteReport(c.stdout, out, err)
	return err
}

// open は設定を読み込み、照合に必要な依存関係を生成する。
func (c *cli) open(ctx context.Context) (*toolkit, error) {
	cfg, log, err := c.load(c.stderr)
	if err != nil {
		return nil, err
	}
	return c.connect(ctx, cfg, log)
}
