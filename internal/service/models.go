package service

import "sort"

// ModelConfig 模型名到生成参数的映射。
type ModelConfig struct {
	Kind        GenerationKind
	Width       int
	Height      int
	Orientation string
	Frames      int
}

var modelConfigs = map[string]ModelConfig{
	"sora-image": {
		Kind:   KindImage,
		Width:  360,
		Height: 360,
	},
	"sora-image-landscape": {
		Kind:   KindImage,
		Width:  540,
		Height: 360,
	},
	"sora-image-portrait": {
		Kind:   KindImage,
		Width:  360,
		Height: 540,
	},
	// 10 秒视频（300 帧）
	"sora-video-10s": {
		Kind:        KindVideo,
		Orientation: "landscape",
		Frames:      300,
	},
	"sora-video-landscape-10s": {
		Kind:        KindVideo,
		Orientation: "landscape",
		Frames:      300,
	},
	"sora-video-portrait-10s": {
		Kind:        KindVideo,
		Orientation: "portrait",
		Frames:      300,
	},
	// 15 秒视频（450 帧）
	"sora-video-15s": {
		Kind:        KindVideo,
		Orientation: "landscape",
		Frames:      450,
	},
	"sora-video-landscape-15s": {
		Kind:        KindVideo,
		Orientation: "landscape",
		Frames:      450,
	},
	"sora-video-portrait-15s": {
		Kind:        KindVideo,
		Orientation: "portrait",
		Frames:      450,
	},
}

// LookupModel 按模型名查配置。
func LookupModel(model string) (ModelConfig, bool) {
	cfg, ok := modelConfigs[model]
	return cfg, ok
}

// ModelNames 返回全部模型名（升序，供 /models 列表）。
func ModelNames() []string {
	names := make([]string, 0, len(modelConfigs))
	for name := range modelConfigs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
