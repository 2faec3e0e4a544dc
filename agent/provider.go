package agent

import (
	"context"
	"fmt"

	"github.com/sweetpotato0/agentstep/tool"
)

func (a *Agent) getToolProviders() []tool.Provider {
	a.providerMu.Lock()
	defer a.providerMu.Unlock()
	return append([]tool.Provider(nil), a.toolProviders...)
}

func (a *Agent) isProviderLoaded(provider tool.Provider) bool {
	a.providerMu.Lock()
	defer a.providerMu.Unlock()
	return a.providerLoaded[provider]
}

func (a *Agent) markProviderLoaded(provider tool.Provider) {
	a.providerMu.Lock()
	defer a.providerMu.Unlock()
	a.providerLoaded[provider] = true
}

func (a *Agent) updateProviderTools(ctx context.Context, provider tool.Provider) error {
	ext, err := provider.Extension(ctx)
	if err != nil {
		return fmt.Errorf("load tools from provider: %w", err)
	}

	a.providerMu.Lock()
	a.providerExts[provider] = ext
	a.providerMu.Unlock()

	a.logger.Debug("extension loaded", "extension", ext.Name, "tools", len(ext.Tools))
	return nil
}

func (a *Agent) startProviderWatcher(provider tool.Provider) {
	ch := provider.ToolsChanged()
	if ch == nil {
		return
	}

	a.providerMu.Lock()
	if _, exists := a.providerWatch[provider]; exists {
		a.providerMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.providerWatch[provider] = cancel
	a.providerMu.Unlock()

	go a.watchProvider(ctx, provider, ch)
}

func (a *Agent) watchProvider(ctx context.Context, provider tool.Provider, ch <-chan struct{}) {
	defer a.removeProviderWatcher(provider)

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			if err := a.updateProviderTools(ctx, provider); err != nil {
				a.logger.Warn("failed to refresh tools", "error", err)
			}
		}
	}
}

func (a *Agent) removeProviderWatcher(provider tool.Provider) {
	a.providerMu.Lock()
	defer a.providerMu.Unlock()
	if cancel, ok := a.providerWatch[provider]; ok {
		cancel()
		delete(a.providerWatch, provider)
	}
}
