package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fusionsolarplus/fusionsolarplus/pkg/captcha"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/devices"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/discover"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/fusionsolar"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/log"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/types"

	"github.com/levenlabs/go-lflag"
)

func main() {
	connector := fusionsolar.Configured(captcha.Configured())
	loader := devices.Configured()
	username := lflag.RequiredString("username", "FusionSolar username")
	password := lflag.RequiredString("password", "FusionSolar password")
	subdomain := lflag.String("subdomain", types.DefaultSubdomain, "FusionSolar region subdomain, e.g. uni001eu5 or region01eu5")
	deviceType := lflag.String("device-type", string(types.DeviceTypePlant), "Type of device to list (Plant, Inverter, Battery or Flow)")
	choice := lflag.String("device", "", "Label or ID of the device to add to the devices file, empty only lists them")
	name := lflag.String("device-name", "", "Name of the added device, defaults to its label")
	lflag.Configure()

	ctx := context.Background()

	dt, err := types.ParseDeviceType(*deviceType)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid device type", slog.Any("error", err))
		os.Exit(1)
	}

	account := discover.Account{
		Username:  *username,
		Password:  *password,
		Subdomain: *subdomain,
	}
	client, err := discover.Connect(ctx, connector, account)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to log in", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := client.Logout(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to log out", slog.Any("error", err))
		}
	}()

	opts, err := discover.Options(ctx, client, dt)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list devices", slog.String("type", string(dt)), slog.Any("error", err))
		os.Exit(1)
	}

	if *choice == "" {
		for _, o := range opts {
			fmt.Println(o.Label)
		}
		return
	}

	o, ok := discover.Find(opts, *choice)
	if !ok {
		log.Ctx(ctx).ErrorContext(ctx, "device not found", slog.String("device", *choice))
		os.Exit(1)
	}
	d := discover.Device(account, dt, o, *name)
	if err := devices.Append(loader.Path(), d); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to add device", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "added device", slog.String("id", d.ID), slog.String("name", d.Name), slog.String("path", loader.Path()))
}
