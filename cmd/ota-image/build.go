package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"zigbee-zcl/internal/zcl"
	"zigbee-zcl/internal/zcl/ota"
)

type buildOptions struct {
	manufacturer uint16
	imageType    uint16
	fileVersion  uint32
	stackVersion uint16
	headerString string
	destination  string
	hwMin, hwMax uint16
	out          string
}

func (o *buildOptions) header(cmd *cobra.Command) (*ota.ImageHeader, error) {
	if len(o.headerString) > 32 {
		return nil, fmt.Errorf("header string is %d bytes, max 32", len(o.headerString))
	}
	h := &ota.ImageHeader{
		Manufacturer: o.manufacturer,
		ImageType:    o.imageType,
		FileVersion:  o.fileVersion,
		StackVersion: o.stackVersion,
		HeaderString: o.headerString,
	}
	if o.destination != "" {
		ieee, err := zcl.ParseIEEE(o.destination)
		if err != nil {
			return nil, fmt.Errorf("--destination: %w", err)
		}
		h.Destination = &ieee
	}
	if cmd.Flags().Changed("hw-min") || cmd.Flags().Changed("hw-max") {
		if o.hwMin > o.hwMax {
			return nil, fmt.Errorf("hardware range 0x%04X-0x%04X is empty", o.hwMin, o.hwMax)
		}
		h.Hardware = &ota.HardwareRange{Min: o.hwMin, Max: o.hwMax}
	}
	return h, nil
}

func newBuildCmd() *cobra.Command {
	var o buildOptions
	cmd := &cobra.Command{
		Use:   "build <payload>",
		Short: "Wrap a firmware payload into an upgrade file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := o.header(cmd)
			if err != nil {
				return err
			}
			payload, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			data := ota.BuildImage(h, ota.Element{Tag: ota.TagUpgradeImage, Data: payload})
			if err := os.WriteFile(o.out, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: manufacturer 0x%04X, type 0x%04X, version 0x%08X, %d bytes\n",
				o.out, h.Manufacturer, h.ImageType, h.FileVersion, len(data))
			return nil
		},
	}
	f := cmd.Flags()
	f.Uint16Var(&o.manufacturer, "manufacturer", 0, "manufacturer code")
	f.Uint16Var(&o.imageType, "type", 0, "image type")
	f.Uint32Var(&o.fileVersion, "version", 0, "file version")
	f.Uint16Var(&o.stackVersion, "stack-version", ota.StackZigBeePro, "zigbee stack version")
	f.StringVar(&o.headerString, "header-string", "", "header string (max 32 bytes)")
	f.StringVar(&o.destination, "destination", "", "IEEE address of the only device the file is for")
	f.Uint16Var(&o.hwMin, "hw-min", 0, "minimum hardware version")
	f.Uint16Var(&o.hwMax, "hw-max", 0xFFFF, "maximum hardware version")
	f.StringVarP(&o.out, "out", "o", "", "output file")
	_ = cmd.MarkFlagRequired("manufacturer")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("version")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
