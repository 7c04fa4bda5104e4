/**
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package cli

import (
	"io/ioutil"

	"github.com/spf13/cobra"

	"cubefw.org/core/codec"
	"cubefw.org/core/flash"
	"cubefw.org/core/svm"
	"cubefw.org/core/util"
)

var Config util.Config

// openFlash attaches the configured flash image.
func openFlash() (*flash.FileDevice, error) {
	dev, err := flash.OpenFileDevice(Config.FlashPath)
	if err != nil {
		return nil, err
	}
	flash.Attach(dev)
	return dev, nil
}

// installProgram writes an ELF image into a fresh T_ELF volume.
func installProgram(path string) (flash.Volume, error) {
	image, err := ioutil.ReadFile(path)
	if err != nil {
		return flash.Volume{}, util.ChildCoreError(err)
	}

	var vw flash.VolumeWriter
	if err := vw.Begin(flash.TypeELF, len(image), 0,
		flash.InvalidMapBlock()); err != nil {
		return flash.Volume{}, err
	}
	if err := vw.Append(image); err != nil {
		return flash.Volume{}, err
	}
	if err := vw.Commit(); err != nil {
		return flash.Volume{}, err
	}
	return vw.Volume, nil
}

func execRunCmd(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return util.NewCoreError("Must specify an ELF binary to execute")
	}

	dev, err := openFlash()
	if err != nil {
		return err
	}
	defer dev.Close()

	vol, err := installProgram(args[0])
	if err != nil {
		return err
	}

	rt := svm.NewRuntime(nil)
	rt.CPU.Trace = Config.TraceSVM
	rt.Video = codec.NewEncoder()

	store, err := flash.OpenLFS(vol)
	if err != nil {
		return err
	}
	rt.Store = store

	return rt.RunVolume(vol)
}

func validateCmd(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return util.NewCoreError("Must specify a binary to validate")
	}

	image, err := ioutil.ReadFile(args[0])
	if err != nil {
		return util.ChildCoreError(err)
	}

	for off := 0; off < len(image); off += svm.BlockSize {
		block := make([]byte, svm.BlockSize)
		copy(block, image[off:])
		n := svm.Validate(block)
		util.StatusMessage(util.VERBOSITY_DEFAULT,
			"block 0x%06x: %2d/%d bundles valid\n",
			off, n, svm.BundlesPerBlock)
	}
	return nil
}

func fsListCmd(cmd *cobra.Command, args []string) error {
	dev, err := openFlash()
	if err != nil {
		return err
	}
	defer dev.Close()

	var it flash.VolumeIter
	it.Begin()
	for {
		v, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		typ, err := v.Type()
		if err != nil {
			return err
		}
		parent, err := v.Parent()
		if err != nil {
			return err
		}

		util.StatusMessage(util.VERBOSITY_DEFAULT,
			"block %3d  type 0x%04x  parent %3d  handle 0x%08x\n",
			v.Block.Code, typ, parent.Code, uint32(v.Handle()))
	}
}

func fsDeleteCmd(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return util.NewCoreError("Must specify a volume block code")
	}
	code, err := util.AtoiNoOct(args[0])
	if err != nil {
		return err
	}

	dev, err := openFlash()
	if err != nil {
		return err
	}
	defer dev.Close()

	vol := flash.Volume{Block: flash.MapBlock{Code: uint8(code)}}
	if !vol.IsValid() {
		return util.FmtCoreError("no valid volume in block %d", code)
	}
	return vol.Delete()
}

func fsPreEraseCmd(cmd *cobra.Command, args []string) error {
	dev, err := openFlash()
	if err != nil {
		return err
	}
	defer dev.Close()

	pe, err := flash.NewPreEraser()
	if err != nil {
		return err
	}
	defer pe.Close()

	count := 0
	for {
		more, err := pe.Next()
		if err != nil {
			return err
		}
		if !more {
			break
		}
		count++
	}

	util.StatusMessage(util.VERBOSITY_DEFAULT,
		"pre-erased and logged %d blocks\n", count)
	return nil
}

func objParent(args []string) (*flash.LFS, *flash.FileDevice, error) {
	code, err := util.AtoiNoOct(args[0])
	if err != nil {
		return nil, nil, err
	}

	dev, err := openFlash()
	if err != nil {
		return nil, nil, err
	}

	parent := flash.Volume{Block: flash.MapBlock{Code: uint8(code)}}
	if !parent.IsValid() {
		dev.Close()
		return nil, nil, util.FmtCoreError("no valid volume in block %d",
			code)
	}

	lfs, err := flash.OpenLFS(parent)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	return lfs, dev, nil
}

func objGetCmd(cmd *cobra.Command, args []string) error {
	if len(args) != 2 {
		return util.NewCoreError(
			"Must specify a parent volume block and an object key")
	}

	lfs, dev, err := objParent(args)
	if err != nil {
		return err
	}
	defer dev.Close()

	key, err := util.AtoiNoOct(args[1])
	if err != nil {
		return err
	}

	body, found, err := lfs.ReadObject(key)
	if err != nil {
		return err
	}
	if !found {
		return util.FmtCoreError("no object with key %d", key)
	}

	util.StatusMessage(util.VERBOSITY_DEFAULT, "%x\n", body)
	return nil
}

func objPutCmd(cmd *cobra.Command, args []string) error {
	if len(args) != 3 {
		return util.NewCoreError(
			"Must specify a parent volume block, a key, and a value file")
	}

	lfs, dev, err := objParent(args)
	if err != nil {
		return err
	}
	defer dev.Close()

	key, err := util.AtoiNoOct(args[1])
	if err != nil {
		return err
	}

	body, err := ioutil.ReadFile(args[2])
	if err != nil {
		return util.ChildCoreError(err)
	}

	// Objects are sized in 16-byte units.
	padded := (len(body) + flash.LFSSizeMask) &^ flash.LFSSizeMask
	for len(body) < padded {
		body = append(body, 0)
	}

	return lfs.WriteObject(key, body)
}

func objGCCmd(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return util.NewCoreError("Must specify a parent volume block")
	}

	lfs, dev, err := objParent(args)
	if err != nil {
		return err
	}
	defer dev.Close()

	return lfs.CollectGarbage()
}

func runWrapper(fn func(cmd *cobra.Command, args []string) error) func(
	cmd *cobra.Command, args []string) {

	return func(cmd *cobra.Command, args []string) {
		if err := fn(cmd, args); err != nil {
			coreUsage(nil, err)
		}
	}
}

func coreUsage(cmd *cobra.Command, err error) {
	if err != nil {
		if ce, ok := err.(*util.CoreError); ok {
			util.ErrorMessage(util.VERBOSITY_QUIET, "Error: %s\n", ce.Text)
		} else {
			util.ErrorMessage(util.VERBOSITY_QUIET, "Error: %s\n",
				err.Error())
		}
	}
	if cmd != nil {
		cmd.Usage()
	}
}

func AddCommands(root *cobra.Command) {
	execCmd := &cobra.Command{
		Use:   "exec <binary.elf>",
		Short: "Install a game binary and execute it in the VM",
		Run:   runWrapper(execRunCmd),
	}
	root.AddCommand(execCmd)

	valCmd := &cobra.Command{
		Use:   "validate <binary>",
		Short: "Run the static code validator over a binary image",
		Run:   runWrapper(validateCmd),
	}
	root.AddCommand(valCmd)

	fsCmd := &cobra.Command{
		Use:   "fs",
		Short: "Inspect and modify the flash filesystem",
	}
	fsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all volumes on the device",
		Run:   runWrapper(fsListCmd),
	})
	fsCmd.AddCommand(&cobra.Command{
		Use:   "delete <block>",
		Short: "Mark a volume (and its children) deleted",
		Run:   runWrapper(fsDeleteCmd),
	})
	fsCmd.AddCommand(&cobra.Command{
		Use:   "pre-erase",
		Short: "Fill the erase log with pre-erased blocks",
		Run:   runWrapper(fsPreEraseCmd),
	})
	root.AddCommand(fsCmd)

	objCmd := &cobra.Command{
		Use:   "obj",
		Short: "Read and write stored objects",
	}
	objCmd.AddCommand(&cobra.Command{
		Use:   "get <parent-block> <key>",
		Short: "Print an object's current value",
		Run:   runWrapper(objGetCmd),
	})
	objCmd.AddCommand(&cobra.Command{
		Use:   "put <parent-block> <key> <value-file>",
		Short: "Write a new object version",
		Run:   runWrapper(objPutCmd),
	})
	objCmd.AddCommand(&cobra.Command{
		Use:   "gc <parent-block>",
		Short: "Collect garbage in an object store",
		Run:   runWrapper(objGCCmd),
	})
	root.AddCommand(objCmd)

	packCmd := &cobra.Command{
		Use:   "pack",
		Short: "Asset loadstream tools",
	}
	packCmd.AddCommand(&cobra.Command{
		Use:   "info <loadstream.bin>",
		Short: "Decode a loadstream and report what it programs",
		Run:   runWrapper(packInfoCmd),
	})
	root.AddCommand(packCmd)
}

func packInfoCmd(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return util.NewCoreError("Must specify a loadstream file")
	}

	data, err := ioutil.ReadFile(args[0])
	if err != nil {
		return util.ChildCoreError(err)
	}

	if err := packInfo(data); err != nil {
		return err
	}
	return nil
}

func packInfo(data []byte) error {
	mem := newTraceTileMemory()
	dec := codec.NewLoadstreamDecoder(mem)
	for _, b := range data {
		dec.WriteByte(b)
	}

	util.StatusMessage(util.VERBOSITY_DEFAULT,
		"%d bytes, %d pixels programmed, %d block erases\n",
		len(data), mem.pixels, mem.erases)
	return nil
}

type traceTileMemory struct {
	pixels int
	erases int
}

func newTraceTileMemory() *traceTileMemory {
	return &traceTileMemory{}
}

func (m *traceTileMemory) Program(addr uint32, pixel uint16) {
	m.pixels++
}

func (m *traceTileMemory) EraseBlock(blockAddr uint32) {
	m.erases++
}
