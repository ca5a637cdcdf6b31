package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/cutover/pkg/types"
)

// ImagePlaceholder is replaced by the built image URI when a task
// definition template is rendered
const ImagePlaceholder = "<IMAGE1_NAME>"

const taskDefinitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["family", "containerDefinitions"],
  "properties": {
    "family": {"type": "string", "minLength": 1},
    "containerDefinitions": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "image"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "image": {"type": "string", "minLength": 1},
          "cpu": {"type": "integer", "minimum": 1},
          "memory": {"type": "integer", "minimum": 1},
          "essential": {"type": "boolean"},
          "portMappings": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["containerPort"],
              "properties": {
                "containerPort": {"type": "integer", "minimum": 1, "maximum": 65535},
                "protocol": {"type": "string", "enum": ["tcp", "http"]}
              }
            }
          },
          "environment": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name", "value"],
              "properties": {
                "name": {"type": "string", "minLength": 1},
                "value": {"type": "string"}
              }
            }
          }
        }
      }
    }
  }
}`

var taskDefinitionSchemaLoader = gojsonschema.NewStringLoader(taskDefinitionSchema)

type taskDefinition struct {
	Family               string                `json:"family"`
	ContainerDefinitions []containerDefinition `json:"containerDefinitions"`
}

type containerDefinition struct {
	Name         string `json:"name"`
	Image        string `json:"image"`
	CPU          int    `json:"cpu"`
	Memory       int    `json:"memory"`
	PortMappings []struct {
		ContainerPort int    `json:"containerPort"`
		Protocol      string `json:"protocol"`
	} `json:"portMappings"`
	Environment []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"environment"`
}

// AppSpec is the subset of a deployment appspec that names the container
// and port the load balancer sends traffic to
type AppSpec struct {
	Version   interface{} `yaml:"version"`
	Resources []struct {
		TargetService struct {
			Type       string `yaml:"Type"`
			Properties struct {
				TaskDefinition   string `yaml:"TaskDefinition"`
				LoadBalancerInfo struct {
					ContainerName string `yaml:"ContainerName"`
					ContainerPort int    `yaml:"ContainerPort"`
				} `yaml:"LoadBalancerInfo"`
			} `yaml:"Properties"`
		} `yaml:"TargetService"`
	} `yaml:"Resources"`
}

// ParseAppSpec reads the target container and port from an appspec
func ParseAppSpec(data []byte) (container string, port int, err error) {
	var spec AppSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return "", 0, fmt.Errorf("%w: failed to parse appspec: %v", ErrInvalidArtifact, err)
	}
	if len(spec.Resources) != 1 {
		return "", 0, fmt.Errorf("%w: appspec must declare exactly one target service, got %d", ErrInvalidArtifact, len(spec.Resources))
	}
	lb := spec.Resources[0].TargetService.Properties.LoadBalancerInfo
	if lb.ContainerName == "" || lb.ContainerPort <= 0 || lb.ContainerPort > 65535 {
		return "", 0, fmt.Errorf("%w: appspec needs LoadBalancerInfo.ContainerName and a valid ContainerPort", ErrInvalidArtifact)
	}
	return lb.ContainerName, lb.ContainerPort, nil
}

// RenderTaskDefinition substitutes image into the template, validates the
// result and converts the container the load balancer targets into a task
// spec. An empty container selects the first container definition.
func RenderTaskDefinition(template []byte, image, container string, port int) (*types.TaskSpec, error) {
	if !strings.Contains(string(template), ImagePlaceholder) {
		return nil, fmt.Errorf("%w: task definition has no %s placeholder", ErrInvalidArtifact, ImagePlaceholder)
	}
	rendered := strings.ReplaceAll(string(template), ImagePlaceholder, image)

	result, err := gojsonschema.Validate(taskDefinitionSchemaLoader, gojsonschema.NewStringLoader(rendered))
	if err != nil {
		return nil, fmt.Errorf("%w: task definition is not valid JSON: %v", ErrInvalidArtifact, err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, fmt.Errorf("%w: task definition failed schema validation: %s", ErrInvalidArtifact, strings.Join(problems, "; "))
	}

	var td taskDefinition
	if err := json.Unmarshal([]byte(rendered), &td); err != nil {
		return nil, fmt.Errorf("%w: failed to decode task definition: %v", ErrInvalidArtifact, err)
	}

	cd := &td.ContainerDefinitions[0]
	if container != "" {
		cd = nil
		for i := range td.ContainerDefinitions {
			if td.ContainerDefinitions[i].Name == container {
				cd = &td.ContainerDefinitions[i]
				break
			}
		}
		if cd == nil {
			return nil, fmt.Errorf("%w: task definition has no container %q", ErrInvalidArtifact, container)
		}
	}

	spec := &types.TaskSpec{
		Family:        td.Family,
		ContainerName: cd.Name,
		Image:         cd.Image,
		CPU:           cd.CPU,
		MemoryMiB:     cd.Memory,
	}
	for _, pm := range cd.PortMappings {
		if port == 0 || pm.ContainerPort == port {
			spec.Port = pm.ContainerPort
			spec.Protocol = pm.Protocol
			break
		}
	}
	if port != 0 && spec.Port != port {
		return nil, fmt.Errorf("%w: container %s does not map port %d", ErrInvalidArtifact, cd.Name, port)
	}
	if len(cd.Environment) > 0 {
		spec.Env = make(map[string]string, len(cd.Environment))
		for _, kv := range cd.Environment {
			spec.Env[kv.Name] = kv.Value
		}
	}
	return spec, nil
}
