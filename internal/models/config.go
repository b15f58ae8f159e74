package models

// TaskConfig is the engine configuration document. JSON keys match the
// settings file written by earlier desktop builds.
type TaskConfig struct {
	BaseURL  string `json:"baseUrl"`
	Model    string `json:"model"`
	APIKey   string `json:"apiKey"`
	MaxSteps int    `json:"maxSteps"`
	Lang     string `json:"lang"`
}

func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		BaseURL:  "https://open.bigmodel.cn/api/paas/v4",
		Model:    "autoglm-phone",
		APIKey:   "",
		MaxSteps: 10,
		Lang:     "cn",
	}
}
