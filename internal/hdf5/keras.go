package hdf5

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Keras stores the weights of layer L of a legacy `.h5` model under
// /model_weights/L/L/<weight>:0, Keras 3 `.weights.h5` files under
// /layers/L/vars/<i>, and optimizer slots under /optimizer_weights.
const (
	kerasModelWeightsGroup     = "/model_weights"
	kerasLayersGroup           = "/layers"
	kerasOptimizerWeightsGroup = "/optimizer_weights"
)

// KerasModel is the content of a Keras HDF5 file, as far as weights go.
type KerasModel struct {
	ModelType        string
	Layers           []*KerasLayer
	OptimizerWeights []*KerasWeight
}

// KerasLayer is one layer: its name, its class name (if the model config could
// be read) and its weights in Keras order.
type KerasLayer struct {
	Name    string
	Kind    string
	Weights []*KerasWeight
}

// KerasWeight is a named dataset. Name is unique in the model ("dense.kernel").
type KerasWeight struct {
	Name    string
	Dataset *Dataset
}

// kerasConfig is the subset of the `model_config` JSON attribute we read.
type kerasConfig struct {
	ClassName string `json:"class_name"`
	Config    struct {
		Name   string `json:"name"`
		Layers []struct {
			ClassName string `json:"class_name"`
			Name      string `json:"name"`
			Config    struct {
				Name string `json:"name"`
			} `json:"config"`
		} `json:"layers"`
	} `json:"config"`
}

// ReadKeras reads the layer topology and weight datasets of a Keras HDF5 file.
// Dataset contents are not read: call Dataset.Load on each weight.
func ReadKeras(filePath string) (*KerasModel, error) {
	contents, err := ParseFile(filePath)
	if err != nil {
		return nil, err
	}

	model := &KerasModel{ModelType: "Functional"}
	var order []string
	kinds := make(map[string]string)
	if values, attrErr := ReadStringAttribute(filePath, "/model_config"); attrErr == nil && len(values) > 0 {
		cfg, cfgErr := parseKerasConfig(values[0])
		if cfgErr != nil {
			klog.V(1).Infof("hdf5: ignoring unparseable model_config of %q: %v", filePath, cfgErr)
		} else {
			model.ModelType = cfg.ClassName
			for _, l := range cfg.Config.Layers {
				name := l.Name
				if name == "" {
					name = l.Config.Name
				}
				order = append(order, name)
				kinds[name] = l.ClassName
			}
		}
	} else {
		klog.V(1).Infof("hdf5: no model_config in %q: %v", filePath, attrErr)
	}
	if len(order) == 0 {
		if values, attrErr := ReadStringAttribute(filePath, kerasModelWeightsGroup+"/layer_names"); attrErr == nil {
			order = values
		}
	}

	model.Layers, model.OptimizerWeights, err = groupKerasWeights(contents, order, kinds)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading Keras weights from %q", filePath)
	}

	for _, layer := range model.Layers {
		if len(layer.Weights) < 2 {
			continue
		}
		weightNames, attrErr := ReadStringAttribute(filePath, path.Join(kerasModelWeightsGroup, layer.Name, "weight_names"))
		if attrErr != nil {
			continue
		}
		orderWeights(layer, weightNames)
	}
	return model, nil
}

// parseKerasConfig parses the JSON `model_config` attribute.
func parseKerasConfig(value string) (*kerasConfig, error) {
	cfg := &kerasConfig{}
	if err := json.Unmarshal([]byte(value), cfg); err != nil {
		return nil, errors.Wrap(err, "invalid Keras model_config JSON")
	}
	if cfg.ClassName == "" {
		return nil, errors.New("Keras model_config has no class_name")
	}
	return cfg, nil
}

// groupKerasWeights assigns datasets to layers. Layers listed in order come
// first, in that order, even if they have no weights; layers only discovered
// from dataset paths follow in path order.
func groupKerasWeights(contents Contents, order []string, kinds map[string]string) (
	layers []*KerasLayer, optimizer []*KerasWeight, err error) {
	byName := make(map[string]*KerasLayer)
	addLayer := func(name string) *KerasLayer {
		if l, ok := byName[name]; ok {
			return l
		}
		l := &KerasLayer{Name: name, Kind: kinds[name]}
		byName[name] = l
		layers = append(layers, l)
		return l
	}
	for _, name := range order {
		addLayer(name)
	}

	seen := make(map[string]string)
	for _, p := range contents.Paths() {
		layerName, weightName, isOptimizer := kerasWeightName(p)
		tensorName := layerName + "." + weightName
		if isOptimizer {
			tensorName = "optimizer." + weightName
		}
		if prev, dup := seen[tensorName]; dup {
			return nil, nil, errors.Errorf("datasets %q and %q both map to weight %q", prev, p, tensorName)
		}
		seen[tensorName] = p
		w := &KerasWeight{Name: tensorName, Dataset: contents[p]}
		if isOptimizer {
			optimizer = append(optimizer, w)
			continue
		}
		l := addLayer(layerName)
		l.Weights = append(l.Weights, w)
	}
	return layers, optimizer, nil
}

// kerasWeightName maps a dataset path to its layer and weight names.
func kerasWeightName(datasetPath string) (layer, weight string, isOptimizer bool) {
	parts := strings.Split(strings.Trim(datasetPath, "/"), "/")
	for i, p := range parts {
		parts[i] = strings.TrimSuffix(p, ":0")
	}
	switch {
	case strings.HasPrefix(datasetPath, kerasOptimizerWeightsGroup+"/"):
		return "", strings.Join(parts[1:], "."), true
	case (strings.HasPrefix(datasetPath, kerasModelWeightsGroup+"/") ||
		strings.HasPrefix(datasetPath, kerasLayersGroup+"/")) && len(parts) >= 3:
		layer = parts[1]
		rest := parts[2:]
		if len(rest) > 1 && rest[0] == layer {
			rest = rest[1:]
		}
		return layer, strings.Join(rest, "."), false
	case len(parts) == 1:
		return "root", parts[0], false
	default:
		return strings.Join(parts[:len(parts)-1], "_"), parts[len(parts)-1], false
	}
}

// orderWeights sorts the weights of a layer following the Keras `weight_names`
// attribute ("dense/kernel:0", "dense/bias:0"). Unlisted weights keep their
// relative order at the end.
func orderWeights(layer *KerasLayer, weightNames []string) {
	rank := make(map[string]int, len(weightNames))
	for i, wn := range weightNames {
		parts := strings.Split(wn, "/")
		for j, p := range parts {
			parts[j] = strings.TrimSuffix(p, ":0")
		}
		if len(parts) > 1 && parts[0] == layer.Name {
			parts = parts[1:]
		}
		rank[layer.Name+"."+strings.Join(parts, ".")] = i
	}
	ordered := make([]*KerasWeight, 0, len(layer.Weights))
	var rest []*KerasWeight
	for i := range weightNames {
		for _, w := range layer.Weights {
			if r, ok := rank[w.Name]; ok && r == i {
				ordered = append(ordered, w)
			}
		}
	}
	for _, w := range layer.Weights {
		if _, ok := rank[w.Name]; !ok {
			rest = append(rest, w)
		}
	}
	layer.Weights = append(ordered, rest...)
}
