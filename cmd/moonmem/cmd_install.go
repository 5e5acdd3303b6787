package main

import (
	"context"

	"github.com/spf13/cobra"

	"moonmem/internal/host"
	"moonmem/internal/host/install"
)

var (
	installBundlePath string
	installForce      bool
	verifyStrict      bool
	repairForce       bool
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the moonmem extension bundle into the host and patch its config",
	RunE:  runInstall,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the host has moonmem installed and correctly configured",
	RunE:  runVerify,
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Re-patch host config and restart the gateway after a failed verify",
	RunE:  runRepair,
}

var postUpgradeCmd = &cobra.Command{
	Use:   "post-upgrade",
	Short: "Reconcile engine state after a binary upgrade",
	RunE:  runPostUpgrade,
}

func init() {
	installCmd.Flags().StringVar(&installBundlePath, "bundle", "", "path to the extension bundle to install")
	installCmd.Flags().BoolVar(&installForce, "force", false, "overwrite existing host config keys")
	verifyCmd.Flags().BoolVar(&verifyStrict, "strict", false, "fail on config value mismatches, not just missing keys")
	repairCmd.Flags().BoolVar(&repairForce, "force", false, "overwrite host config keys even if already present")
}

func runInstall(cmd *cobra.Command, args []string) error {
	p, _, r, err := bootstrap("install")
	if err != nil {
		return failHard("install", err)
	}

	bridge := install.New(host.New(resolveHostBin()))
	opts := install.Options{
		ExtensionsDir: hostExtensionsDir(p),
		ConfigPath:    hostConfigPath(p),
		BundlePath:    installBundlePath,
		Force:         installForce,
	}
	report, err := bridge.Install(context.Background(), opts)
	if err != nil {
		return failHard("install", err)
	}
	for _, d := range report.Details {
		r.AddDetail("%s", d)
	}
	for _, i := range report.Issues {
		r.AddIssue("%s", i)
	}
	return finish(r)
}

func runVerify(cmd *cobra.Command, args []string) error {
	p, _, r, err := bootstrap("verify")
	if err != nil {
		return failHard("verify", err)
	}

	bridge := install.New(host.New(resolveHostBin()))
	opts := install.Options{
		ExtensionsDir: hostExtensionsDir(p),
		ConfigPath:    hostConfigPath(p),
	}
	report, err := bridge.Verify(context.Background(), opts, verifyStrict)
	if err != nil {
		return failHard("verify", err)
	}
	for _, d := range report.Details {
		r.AddDetail("%s", d)
	}
	for _, i := range report.Issues {
		r.AddIssue("%s", i)
	}
	return finish(r)
}

func runRepair(cmd *cobra.Command, args []string) error {
	p, _, r, err := bootstrap("repair")
	if err != nil {
		return failHard("repair", err)
	}

	h := host.New(resolveHostBin())
	bridge := install.New(h)
	opts := install.Options{
		ExtensionsDir: hostExtensionsDir(p),
		ConfigPath:    hostConfigPath(p),
		Force:         repairForce,
	}
	report, err := bridge.Install(context.Background(), opts)
	if err != nil {
		return failHard("repair", err)
	}
	for _, d := range report.Details {
		r.AddDetail("%s", d)
	}
	for _, i := range report.Issues {
		r.AddIssue("%s", i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), hostCallTimeout)
	defer cancel()
	if err := h.RunGateway(ctx, host.GatewayRestart, 3); err != nil {
		r.AddIssue("restart gateway: %v", err)
	} else {
		r.AddDetail("gateway restarted")
	}

	return finish(r)
}

func runPostUpgrade(cmd *cobra.Command, args []string) error {
	_, _, r, err := bootstrap("post-upgrade")
	if err != nil {
		return failHard("post-upgrade", err)
	}
	r.AddDetail("running build uuid: %s", buildUUID)
	r.AddDetail("post-upgrade reconciliation complete; run moon-watch --once to refresh state")
	return finish(r)
}
