package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
)

func newNameCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "name",
		Short: "Encode and decode short names",
	}
	cmd.AddCommand(newNameEncodeCommand())
	cmd.AddCommand(newNameDecodeCommand())
	return cmd
}

func newNameEncodeCommand() *cobra.Command {
	var (
		namespace uint32
		team      uint32
		channel   uint32
		device    uint32
		kind      string
		mask      uint8
	)
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Print the short name for a team, channel and device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			m := shortname.Mask(mask)
			if err := shortname.ValidateMask(m); err != nil {
				return err
			}
			name, err := shortname.NewNamer(namespace).Encode(shortname.Fields{
				Team:    team,
				Kind:    k,
				Channel: channel,
				Device:  device,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name.Prefix(m))
			return nil
		},
	}

	f := cmd.Flags()
	f.Uint32Var(&namespace, "namespace", shortname.DefaultNamespace, "namespace")
	f.Uint32Var(&team, "team", 0, "team id")
	f.Uint32Var(&channel, "channel", 0, "channel id")
	f.Uint32Var(&device, "device", 0, "device id (at most 65535)")
	f.StringVar(&kind, "kind", "data", "kind: data, keypackage, welcome or commit")
	f.Uint8Var(&mask, "mask", 0, "clear this many low bits")
	return cmd
}

func newNameDecodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decode NAME",
		Short: "Print the fields of a short name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := shortname.Parse(args[0])
			if err != nil {
				return err
			}
			f := shortname.Decode(name)
			fmt.Fprintf(cmd.OutOrStdout(), "namespace=%08x team=%d kind=%s channel=%d device=%d\n",
				f.Namespace, f.Team, f.Kind, f.Channel, f.Device)
			return nil
		},
	}
}

func parseKind(s string) (shortname.Kind, error) {
	for _, k := range []shortname.Kind{shortname.KindData, shortname.KindKeyPackage, shortname.KindWelcome, shortname.KindCommit} {
		if k.String() == s {
			return k, nil
		}
	}
	return shortname.KindUnknown, fmt.Errorf("unknown kind %q", s)
}
