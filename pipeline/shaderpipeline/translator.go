package shaderpipeline

import (
	"context"
	"sync"

	gst "github.com/richinsley/goshadertranslator"
)

var (
	translatorOnce sync.Once
	translator     *gst.ShaderTranslator
	translatorErr  error
)

// getTranslator returns the process-wide translator. Creating it compiles
// the translator module, so it happens once.
func getTranslator() (*gst.ShaderTranslator, error) {
	translatorOnce.Do(func() {
		translator, translatorErr = gst.NewShaderTranslator(context.Background())
	})
	return translator, translatorErr
}

// translate converts WebGL2 fragment source to GLSL 4.10. It returns the
// code and the translated names of the active uniforms by source name.
func translate(src string) (string, map[string]string, error) {
	t, err := getTranslator()
	if err != nil {
		return "", nil, err
	}
	fs, err := t.TranslateShader(src, "fragment", gst.ShaderSpecWebGL2, gst.OutputFormatGLSL410)
	if err != nil {
		return "", nil, err
	}
	names := make(map[string]string, len(fs.Variables))
	for name, v := range fs.Variables {
		names[name] = v.MappedName
	}
	return fs.Code, names, nil
}
