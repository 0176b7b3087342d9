// Package hdf5 provides a small API to read HDF5 files, enough to import the
// weights of Keras `.h5` models.
//
// It requires the `hdf5-tools` (a deb package) installed in the system, more specifically the
// `h5dump` binary. Contents and headers are listed with `h5dump` and parsed, and dataset
// contents are extracted in NATIVE binary form.
package hdf5

import (
	"bytes"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/f32ckpt/internal/tensor"
)

// H5DumpBinary is the name of the binary used to access HDF5 files.
const H5DumpBinary = "h5dump"

// Contents is a map of all the datasets present in the HDF5 file. The key is the path
// built from the concatenation of the "group" (how HDF5 calls directories or folders) with
// the dataset name, separated by a "/" character.
type Contents map[string]*Dataset

// Dataset has (some of) the metadata about a dataset, but not the data itself.
// Datasets whose DATATYPE or DATASPACE could not be parsed have Supported == false.
type Dataset struct {
	FilePath, GroupPath, RawHeader string
	DType                          tensor.DataType
	Shape                          tensor.Shape
	Supported                      bool
}

// ErrUnsupportedDataset is returned by Dataset.Load for datasets whose type
// or shape has no tensor representation.
var ErrUnsupportedDataset = errors.New("unsupported HDF5 dataset type or shape")

// ErrNoH5Dump is returned when the h5dump binary cannot be found.
var ErrNoH5Dump = errors.New("cannot find `h5dump` binary in PATH, needed to parse HDF5 " +
	"format files (extension \".h5\") -- please install package hdf5-tools, which usually " +
	"holds `h5dump`")

// Available reports whether h5dump can be found in PATH.
func Available() bool {
	_, err := exec.LookPath(H5DumpBinary)
	return err == nil
}

// ParseFile in filePath as an HDF5 file and returns map of contents.
func ParseFile(filePath string) (contents Contents, err error) {
	if _, err = os.Stat(filePath); err != nil {
		err = errors.Wrapf(err, "cannot access HDF5 file in path %q", filePath)
		return
	}

	contentsBytes, err := execH5Dump("--contents", filePath)
	if err != nil {
		return
	}
	paths := parseDatasetPaths(contentsBytes)
	contents = make(Contents, len(paths))
	for _, p := range paths {
		contents[p] = &Dataset{FilePath: filePath, GroupPath: p}
	}
	if len(contents) == 0 {
		return
	}

	headerArgs := make([]string, 0, len(contents)+2)
	headerArgs = append(headerArgs, "--header")
	for _, p := range paths {
		headerArgs = append(headerArgs, "--dataset="+p)
	}
	headerArgs = append(headerArgs, filePath)
	headerBytes, err := execH5Dump(headerArgs...)
	if err != nil {
		return
	}
	err = contents.parseHeaders(headerBytes)
	return
}

var (
	regexpH5Datasets               = regexp.MustCompile(`\s+dataset\s+(/.*)\n`)
	regexpH5DatasetHeaderName      = regexp.MustCompile(`\s+"(.*?)" \{\n`)
	regexpH5DatasetHeaderDataType  = regexp.MustCompile(`\s+DATATYPE\s+(\w.*?)\n`)
	regexpH5DatasetHeaderDataSpace = regexp.MustCompile(`\s+DATASPACE\s+(\w+)(\s+\{\s+\((.*?)\).*?)?\n`)
	regexpH5QuotedString           = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)
)

// parseDatasetPaths extracts the dataset paths from `h5dump --contents` output, in listing order.
func parseDatasetPaths(contentsOutput []byte) []string {
	matches := regexpH5Datasets.FindAllStringSubmatch(string(contentsOutput), -1)
	paths := make([]string, 0, len(matches))
	for _, match := range matches {
		paths = append(paths, strings.TrimSpace(match[1]))
	}
	return paths
}

// parseHeaders fills dtype and shape of the datasets from `h5dump --header` output.
func (contents Contents) parseHeaders(headerOutput []byte) error {
	rawDatasetHeaders := strings.Split(string(headerOutput), "DATASET")
	if len(rawDatasetHeaders)-1 != len(contents) {
		return errors.Errorf("failed to parse dataset headers: expected %d DATASET, got %d",
			len(contents), len(rawDatasetHeaders)-1)
	}

datasetHeaders:
	for _, part := range rawDatasetHeaders[1:] {
		matches := regexpH5DatasetHeaderName.FindStringSubmatch(part)
		if len(matches) != 2 {
			return errors.Errorf("failed to parse dataset header: got %q", part)
		}
		ds, found := contents[matches[1]]
		if !found {
			return errors.Errorf("unknown dataset header: got %q", part)
		}
		ds.RawHeader = "DATASET" + part

		matches = regexpH5DatasetHeaderDataType.FindStringSubmatch(part)
		if len(matches) != 2 {
			klog.V(2).Infof("hdf5: DATATYPE of %q not parsed", ds.GroupPath)
			continue
		}
		var ok bool
		if ds.DType, ok = DTypeForH5T(matches[1]); !ok {
			klog.V(2).Infof("hdf5: DATATYPE %q of %q not supported", matches[1], ds.GroupPath)
			continue
		}

		matches = regexpH5DatasetHeaderDataSpace.FindStringSubmatch(part)
		if len(matches) != 4 {
			klog.V(2).Infof("hdf5: DATASPACE of %q not parsed", ds.GroupPath)
			continue
		}
		switch matches[1] {
		case "SCALAR":
			ds.Shape = tensor.Shape{}
		case "SIMPLE":
			dimsParts := strings.Split(matches[3], ",")
			dims := make(tensor.Shape, 0, len(dimsParts))
			for _, dimStr := range dimsParts {
				dim, numErr := strconv.Atoi(strings.TrimSpace(dimStr))
				if numErr != nil {
					klog.V(2).Infof("hdf5: failed to parse dimension in DATASPACE of %q", ds.GroupPath)
					continue datasetHeaders
				}
				dims = append(dims, dim)
			}
			ds.Shape = dims
		default:
			klog.V(2).Infof("hdf5: DATASPACE type %q of %q not supported", matches[1], ds.GroupPath)
			continue datasetHeaders
		}
		ds.Supported = true
	}
	return nil
}

// DTypeForH5T returns the DataType corresponding to known HDF5 types.
func DTypeForH5T(h5type string) (tensor.DataType, bool) {
	switch h5type {
	case "H5T_IEEE_F16LE", "H5T_IEEE_F16BE":
		return tensor.Float16, true
	case "H5T_IEEE_F32LE", "H5T_IEEE_F32BE":
		return tensor.Float32, true
	case "H5T_IEEE_F64LE", "H5T_IEEE_F64BE":
		return tensor.Float64, true
	case "H5T_STD_I32LE", "H5T_STD_I32BE":
		return tensor.Int32, true
	case "H5T_STD_I64LE", "H5T_STD_I64BE":
		return tensor.Int64, true
	case "H5T_STD_U8LE", "H5T_STD_U8BE":
		return tensor.Uint8, true
	}
	return 0, false
}

// Paths returns the dataset paths, sorted.
func (contents Contents) Paths() []string {
	paths := make([]string, 0, len(contents))
	for p := range contents {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Load extracts the dataset contents as a tensor, in host byte order.
func (ds *Dataset) Load() (raw *tensor.RawTensor, err error) {
	if !ds.Supported {
		err = errors.Wrapf(ErrUnsupportedDataset, "dataset %q:\n%s", ds.GroupPath, ds.RawHeader)
		return
	}
	tmpFile, err := os.CreateTemp("", "hdf5_dataset")
	if err == nil {
		err = tmpFile.Close()
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to create temporary file to extract HDF5 dataset")
		return
	}
	defer func() {
		if newErr := os.Remove(tmpFile.Name()); newErr != nil {
			klog.Warningf("Failed to remove temporary file %q used to extract HDF5 dataset: %+v", tmpFile.Name(), newErr)
		}
	}()

	_, err = execH5Dump("--dataset="+ds.GroupPath, "--binary=NATIVE", "--output="+tmpFile.Name(), ds.FilePath)
	if err != nil {
		return
	}
	//nolint:gosec // G304: temporary file created above
	rawContent, err := os.ReadFile(tmpFile.Name())
	if err != nil {
		err = errors.Wrapf(err, "failed to read from temporary file %q to extract HDF5 dataset", tmpFile.Name())
		return
	}
	raw, err = tensor.FromBytes(ds.Shape, ds.DType, rawContent)
	err = errors.Wrapf(err, "dataset %q", ds.GroupPath)
	return
}

// ReadStringAttribute returns the string value(s) of the attribute at attrPath
// (e.g. "/model_config" or "/model_weights/layer_names").
func ReadStringAttribute(filePath, attrPath string) ([]string, error) {
	output, err := execH5Dump("--width=0", "--attribute="+attrPath, filePath)
	if err != nil {
		return nil, err
	}
	return parseAttributeStrings(output)
}

// parseAttributeStrings extracts the quoted values of the DATA block of an
// `h5dump --attribute` output. Values are separated by "," or by an "(i):"
// index; h5dump splits long strings over several quoted segments separated by
// whitespace only, and those are joined back.
func parseAttributeStrings(output []byte) ([]string, error) {
	text := string(output)
	start := strings.Index(text, "DATA {")
	if start < 0 {
		return nil, errors.New("no DATA block in h5dump attribute output")
	}
	text = text[start+len("DATA {"):]

	var values []string
	var current strings.Builder
	prevEnd := -1
	for _, loc := range regexpH5QuotedString.FindAllStringSubmatchIndex(text, -1) {
		segment, err := strconv.Unquote(`"` + text[loc[2]:loc[3]] + `"`)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to unescape h5dump string %q", text[loc[2]:loc[3]])
		}
		if prevEnd >= 0 {
			gap := text[prevEnd:loc[0]]
			if strings.Contains(gap, ",") || strings.Contains(gap, "):") {
				values = append(values, current.String())
				current.Reset()
			}
		}
		current.WriteString(segment)
		prevEnd = loc[1]
	}
	if prevEnd >= 0 {
		values = append(values, current.String())
	}
	return values, nil
}

// execH5Dump executes `h5dump`, and handles errors.
func execH5Dump(args ...string) (output []byte, err error) {
	binPath, err := findBinPath()
	if err != nil {
		return
	}
	//nolint:gosec // G204: arguments are file and dataset paths
	cmd := exec.Command(binPath, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdoutBuf, &stderrBuf
	err = cmd.Run()
	if err != nil {
		err = errors.Wrapf(err, "failed executing %q to access HDF5 file", cmd)
		err = errors.WithMessagef(err, "STDERR captured:\n%s\n", stderrBuf.String())
		return
	}
	output = stdoutBuf.Bytes()
	return
}

func findBinPath() (binPath string, err error) {
	binPath, err = exec.LookPath(H5DumpBinary)
	if err != nil {
		err = errors.Wrap(ErrNoH5Dump, err.Error())
		return
	}
	klog.V(2).Infof("using h5dump from %q", binPath)
	return
}
