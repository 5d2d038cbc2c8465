package checkpoints

import (
	"fmt"
	"math"
	"os"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX wire constants. Field numbers follow the onnx.proto3 schema, which
// is stable across IR versions.
const (
	onnxIRVersion    = 8
	onnxOpsetVersion = 17
	onnxFloatType    = 1 // TensorProto.DataType FLOAT
)

// ModelProto fields.
const (
	modelIRVersion       = 1
	modelProducerName    = 2
	modelProducerVersion = 3
	modelGraph           = 7
	modelOpsetImport     = 8
)

// GraphProto fields.
const (
	graphName        = 2
	graphInitializer = 5
)

// TensorProto fields.
const (
	tensorDims      = 1
	tensorDataType  = 2
	tensorFloatData = 4
	tensorName      = 8
)

// OperatorSetIdProto fields.
const (
	opsetDomain  = 1
	opsetVersion = 2
)

// ONNXExporter writes checkpoint weights as an ONNX model whose graph
// carries one initializer per parameter tensor. The export is a weights
// interchange file, not an executable graph: consumers bind the tensors by
// name.
type ONNXExporter struct {
	producer string
}

// NewONNXExporter creates an exporter with the default producer tag.
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{producer: "vesstrain"}
}

// Export writes the checkpoint's model weights to path in ONNX format.
func (e *ONNXExporter) Export(checkpoint *Checkpoint, path string) error {
	if len(checkpoint.Model) == 0 {
		return fmt.Errorf("checkpoint has no model weights to export")
	}

	version := checkpoint.Version
	if version == "" {
		version = "1.0.0"
	}

	var buf []byte
	buf = protowire.AppendTag(buf, modelIRVersion, protowire.VarintType)
	buf = protowire.AppendVarint(buf, onnxIRVersion)
	buf = protowire.AppendTag(buf, modelProducerName, protowire.BytesType)
	buf = protowire.AppendString(buf, e.producer)
	buf = protowire.AppendTag(buf, modelProducerVersion, protowire.BytesType)
	buf = protowire.AppendString(buf, version)
	buf = protowire.AppendTag(buf, modelGraph, protowire.BytesType)
	buf = protowire.AppendBytes(buf, encodeGraph(checkpoint))
	buf = protowire.AppendTag(buf, modelOpsetImport, protowire.BytesType)
	buf = protowire.AppendBytes(buf, encodeOpset())

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write onnx file: %v", err)
	}
	return nil
}

func encodeOpset() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, opsetDomain, protowire.BytesType)
	buf = protowire.AppendString(buf, "")
	buf = protowire.AppendTag(buf, opsetVersion, protowire.VarintType)
	buf = protowire.AppendVarint(buf, onnxOpsetVersion)
	return buf
}

func encodeGraph(checkpoint *Checkpoint) []byte {
	names := make([]string, 0, len(checkpoint.Model))
	for name := range checkpoint.Model {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf []byte
	buf = protowire.AppendTag(buf, graphName, protowire.BytesType)
	buf = protowire.AppendString(buf, "vesstrain")
	for _, name := range names {
		buf = protowire.AppendTag(buf, graphInitializer, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeTensor(name, checkpoint.Model[name]))
	}
	return buf
}

func encodeTensor(name string, state TensorState) []byte {
	var dims []byte
	for _, d := range state.Shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	var data []byte
	for _, v := range state.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}

	var buf []byte
	buf = protowire.AppendTag(buf, tensorDims, protowire.BytesType)
	buf = protowire.AppendBytes(buf, dims)
	buf = protowire.AppendTag(buf, tensorDataType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, onnxFloatType)
	buf = protowire.AppendTag(buf, tensorFloatData, protowire.BytesType)
	buf = protowire.AppendBytes(buf, data)
	buf = protowire.AppendTag(buf, tensorName, protowire.BytesType)
	buf = protowire.AppendString(buf, name)
	return buf
}

// ONNXImporter reads weights back from a file written by ONNXExporter.
// Optimizer and training state are not representable in ONNX, so the
// returned checkpoint carries weights only.
type ONNXImporter struct{}

// NewONNXImporter creates an importer.
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// Import parses an ONNX weights file into a checkpoint.
func (i *ONNXImporter) Import(path string) (*Checkpoint, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read onnx file: %v", err)
	}

	checkpoint := &Checkpoint{Model: make(map[string]TensorState)}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("malformed onnx file: %v", protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case num == modelProducerName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return nil, fmt.Errorf("malformed producer name: %v", protowire.ParseError(n))
			}
			checkpoint.Framework = v
			buf = buf[n:]
		case num == modelProducerVersion && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return nil, fmt.Errorf("malformed producer version: %v", protowire.ParseError(n))
			}
			checkpoint.Version = v
			buf = buf[n:]
		case num == modelGraph && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("malformed graph: %v", protowire.ParseError(n))
			}
			if err := parseGraph(v, checkpoint); err != nil {
				return nil, err
			}
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("malformed onnx field %d: %v", num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}

	if len(checkpoint.Model) == 0 {
		return nil, fmt.Errorf("onnx file contains no initializers")
	}
	return checkpoint, nil
}

func parseGraph(buf []byte, checkpoint *Checkpoint) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("malformed graph: %v", protowire.ParseError(n))
		}
		buf = buf[n:]

		if num == graphInitializer && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return fmt.Errorf("malformed initializer: %v", protowire.ParseError(n))
			}
			name, state, err := parseTensor(v)
			if err != nil {
				return err
			}
			checkpoint.Model[name] = state
			buf = buf[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, buf)
		if n < 0 {
			return fmt.Errorf("malformed graph field %d: %v", num, protowire.ParseError(n))
		}
		buf = buf[n:]
	}
	return nil
}

func parseTensor(buf []byte) (string, TensorState, error) {
	var name string
	var state TensorState

	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return "", state, fmt.Errorf("malformed tensor: %v", protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case num == tensorDims && typ == protowire.BytesType:
			// Packed varints.
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return "", state, fmt.Errorf("malformed dims: %v", protowire.ParseError(n))
			}
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return "", state, fmt.Errorf("malformed dim: %v", protowire.ParseError(m))
				}
				state.Shape = append(state.Shape, int(d))
				v = v[m:]
			}
			buf = buf[n:]
		case num == tensorDims && typ == protowire.VarintType:
			d, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return "", state, fmt.Errorf("malformed dim: %v", protowire.ParseError(n))
			}
			state.Shape = append(state.Shape, int(d))
			buf = buf[n:]
		case num == tensorDataType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return "", state, fmt.Errorf("malformed data type: %v", protowire.ParseError(n))
			}
			if v != onnxFloatType {
				return "", state, fmt.Errorf("unsupported tensor data type %d", v)
			}
			buf = buf[n:]
		case num == tensorFloatData && typ == protowire.BytesType:
			// Packed fixed32 floats.
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return "", state, fmt.Errorf("malformed float data: %v", protowire.ParseError(n))
			}
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed32(v)
				if m < 0 {
					return "", state, fmt.Errorf("malformed float: %v", protowire.ParseError(m))
				}
				state.Data = append(state.Data, math.Float32frombits(bits))
				v = v[m:]
			}
			buf = buf[n:]
		case num == tensorName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return "", state, fmt.Errorf("malformed tensor name: %v", protowire.ParseError(n))
			}
			name = v
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return "", state, fmt.Errorf("malformed tensor field %d: %v", num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}

	if name == "" {
		return "", state, fmt.Errorf("initializer is missing a name")
	}
	return name, state, nil
}
