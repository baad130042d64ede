/*
 *	Copyright 2025 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package platform resolves user-facing device specifications ("cpu", "cuda",
// "cuda:1", "tpu", "go") to GoMLX backend configurations, and checks placement
// compatibility between a model and the engine that runs it.
//
// GoMLX keeps device handling inside its backends: the XLA backend takes a
// PJRT plugin name as configuration (e.g. "xla:cuda"), and the pure-Go backend
// registers itself as "go". This package only maps the conventional
// accelerator names onto those configurations -- it does not talk to devices
// itself.
package platform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Type of device a computation is placed on.
type Type int

const (
	// Unspecified leaves the backend choice to GoMLX (environment variable
	// GOMLX_BACKEND or the first registered backend).
	Unspecified Type = iota

	// CPU runs on the host. It resolves to the pure-Go backend when that is
	// registered, otherwise to the default backend.
	CPU

	// CUDA runs on an NVidia GPU through the XLA backend's CUDA PJRT plugin.
	CUDA

	// TPU runs on a TPU through the XLA backend's TPU PJRT plugin.
	TPU
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	case TPU:
		return "tpu"
	default:
		return "unspecified"
	}
}

// IsAccelerator reports whether the type refers to dedicated accelerator
// hardware, as opposed to the host CPU.
func (t Type) IsAccelerator() bool {
	return t == CUDA || t == TPU
}

// Device is a parsed device specification: a device type plus an ordinal for
// hosts with more than one accelerator. The zero value means "unspecified",
// and leaves placement to GoMLX defaults.
type Device struct {
	Type    Type
	Ordinal backends.DeviceNum
}

// Parse a device specification string. Accepted forms are "", "cpu", "go",
// "cuda", "tpu", "xla", and any of those suffixed with ":<ordinal>" (e.g.
// "cuda:1"). "xla" is accepted as an alias for "tpu", matching the usual name
// of the TPU runtime.
func Parse(spec string) (Device, error) {
	var d Device
	name := spec
	if idx := strings.Index(spec, ":"); idx != -1 {
		name = spec[:idx]
		ordinal, err := strconv.Atoi(spec[idx+1:])
		if err != nil || ordinal < 0 {
			return d, errors.Errorf("invalid device ordinal in %q", spec)
		}
		d.Ordinal = backends.DeviceNum(ordinal)
	}
	switch strings.ToLower(name) {
	case "":
		d.Type = Unspecified
	case "cpu", "go", "host":
		d.Type = CPU
	case "cuda", "gpu":
		d.Type = CUDA
	case "tpu", "xla":
		d.Type = TPU
	default:
		return d, errors.Errorf("unknown device %q: valid devices are \"cpu\", \"cuda\", \"tpu\" (optionally with \":<ordinal>\")", spec)
	}
	return d, nil
}

// MustParse is like Parse but panics on error. Mostly used in tests and
// examples.
func MustParse(spec string) Device {
	d, err := Parse(spec)
	if err != nil {
		panic(err)
	}
	return d
}

// String returns the canonical spec form of the device, e.g. "cuda:1".
func (d Device) String() string {
	if d.Ordinal > 0 {
		return fmt.Sprintf("%s:%d", d.Type, d.Ordinal)
	}
	return d.Type.String()
}

// BackendConfig returns the GoMLX backend configuration string for the device,
// in the "<backend_name>:<backend_configuration>" format understood by
// backends.NewWithConfig. Unspecified returns "", meaning the default backend.
func (d Device) BackendConfig() string {
	switch d.Type {
	case CPU:
		return "go"
	case CUDA:
		return "xla:cuda"
	case TPU:
		return "xla:tpu"
	default:
		return ""
	}
}

// NewBackend creates a backend for the device.
//
// A request for an accelerator whose backend is not linked into the binary
// returns an error explaining the missing support -- for TPUs that means the
// XLA backend (import _ "github.com/gomlx/gomlx/backends/xla").
func (d Device) NewBackend() (backend backends.Backend, err error) {
	if d.Type == Unspecified {
		backend, err = backends.New()
	} else {
		backend, err = backends.NewWithConfig(d.BackendConfig())
	}
	if err != nil {
		if d.Type == TPU {
			return nil, errors.WithMessage(err,
				"in order to run on TPU, the XLA accelerator support must be linked in "+
					`(import _ "github.com/gomlx/gomlx/backends/xla") and a TPU PJRT plugin installed`)
		}
		return nil, errors.WithMessagef(err, "failed to create backend for device %q", d.Type)
	}
	klog.V(1).Infof("created backend %q for device %s", backend.Name(), d)
	return backend, nil
}

// Compatible checks whether a model placed on modelDev can be run by an engine
// placed on engineDev.
//
// Same devices are trivially compatible. A CPU model on an accelerator engine
// (or vice versa) is also compatible: the engine transfers the batch and the
// variables explicitly. Two distinct accelerators are not -- there is no
// implicit transfer path between them.
func Compatible(modelDev, engineDev Device) error {
	if modelDev.Type == Unspecified || engineDev.Type == Unspecified {
		return nil
	}
	if modelDev.Type == engineDev.Type {
		if modelDev.Type.IsAccelerator() && modelDev.Ordinal != engineDev.Ordinal {
			return errors.Errorf("model is on %s:%d, but the engine runs on %s:%d -- transfer the model explicitly first",
				modelDev.Type, modelDev.Ordinal, engineDev.Type, engineDev.Ordinal)
		}
		return nil
	}
	if modelDev.Type == CPU || engineDev.Type == CPU {
		return nil
	}
	return errors.Errorf("model is on %s, but the engine expects it on %s -- transfer the model explicitly first",
		modelDev.Type, engineDev.Type)
}

// ParamModelDevice is the context parameter under which a model's device
// placement is recorded. See SetModelDevice.
const ParamModelDevice = "model_device"

// SetModelDevice records in the context's root scope the device the model's
// variables are placed on. The supervised builders check it against their own
// device with Compatible before running.
func SetModelDevice(ctx *context.Context, d Device) {
	ctx.InAbsPath(context.RootScope).SetParam(ParamModelDevice, d)
}

// ModelDevice returns the device recorded with SetModelDevice, or the zero
// (unspecified) Device if none was recorded.
func ModelDevice(ctx *context.Context) Device {
	return context.GetParamOr(ctx.InAbsPath(context.RootScope), ParamModelDevice, Device{})
}
