package logger

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// FileConfig 独立日志配置文件结构
type FileConfig struct {
	Logger       Config                       `yaml:"logger"`
	Environments map[string]EnvironmentConfig `yaml:"environments"`
	Modules      map[string]ModuleConfig      `yaml:"modules"`
}

// EnvironmentConfig 环境特定配置
type EnvironmentConfig struct {
	Logger Config `yaml:"logger"`
}

// ModuleConfig 模块特定配置
type ModuleConfig struct {
	Level        LogLevel `yaml:"level"`
	SeparateFile bool     `yaml:"separate_file"`
	Filename     string   `yaml:"filename"`
}

var validLevels = map[LogLevel]bool{
	LevelTrace: true,
	LevelDebug: true,
	LevelInfo:  true,
	LevelWarn:  true,
	LevelError: true,
	LevelFatal: true,
	LevelPanic: true,
}

// LoadConfigFile 从文件加载日志配置
func LoadConfigFile(configPath string) (*FileConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read logger config: %w", err)
	}

	config := FileConfig{Logger: DefaultConfig}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse logger config: %w", err)
	}

	if err := validateFileConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid logger config: %w", err)
	}

	return &config, nil
}

// ForEnvironment 返回合并了环境覆盖项的配置
func (fc *FileConfig) ForEnvironment(environment string) Config {
	config := fc.Logger
	if envConfig, exists := fc.Environments[strings.ToLower(environment)]; exists {
		mergeConfigs(&config, &envConfig.Logger)
	}
	return config
}

// ModuleLogger 为特定模块创建日志器
func (fc *FileConfig) ModuleLogger(base Config, moduleName string) Logger {
	config := base
	if moduleConfig, exists := fc.Modules[moduleName]; exists {
		if moduleConfig.Level != "" {
			config.Level = moduleConfig.Level
		}
		if moduleConfig.SeparateFile && moduleConfig.Filename != "" {
			config.Output = "file"
			config.Filename = moduleConfig.Filename
		}
	}

	return NewLogger(config).WithField("module", moduleName)
}

// validateFileConfig 验证配置的有效性
func validateFileConfig(config *FileConfig) error {
	if config.Logger.Level != "" && !validLevels[config.Logger.Level] {
		return fmt.Errorf("invalid log level: %s", config.Logger.Level)
	}
	if f := config.Logger.Format; f != "" && f != FormatJSON && f != FormatText {
		return fmt.Errorf("invalid log format: %s", f)
	}
	for name, module := range config.Modules {
		if module.Level != "" && !validLevels[module.Level] {
			return fmt.Errorf("invalid log level for module %s: %s", name, module.Level)
		}
		if module.SeparateFile && module.Filename == "" {
			return fmt.Errorf("module %s requires a filename for separate_file", name)
		}
	}
	return nil
}

// mergeConfigs 合并配置，只覆盖非零值
func mergeConfigs(base *Config, override *Config) {
	if override.Level != "" {
		base.Level = override.Level
	}
	if override.Format != "" {
		base.Format = override.Format
	}
	if override.Output != "" {
		base.Output = override.Output
	}
	if override.Filename != "" {
		base.Filename = override.Filename
	}
	if override.MaxSize != 0 {
		base.MaxSize = override.MaxSize
	}
	if override.MaxAge != 0 {
		base.MaxAge = override.MaxAge
	}
	if override.MaxBackups != 0 {
		base.MaxBackups = override.MaxBackups
	}
}
