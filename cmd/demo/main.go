// cmd/demo/main.go
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Corphon/CharacterStudio/internal/app"
	"github.com/Corphon/CharacterStudio/internal/config"
	"github.com/Corphon/CharacterStudio/internal/di"
	"github.com/Corphon/CharacterStudio/internal/models"
	"github.com/Corphon/CharacterStudio/internal/services"
	"github.com/Corphon/CharacterStudio/internal/utils"
	"github.com/fatih/color"
)

const cliBoxMaxWidth = 90

var (
	stdin = bufio.NewScanner(os.Stdin)

	headerColor  = color.New(color.FgCyan, color.Bold)
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errColor     = color.New(color.FgRed)
	dimColor     = color.New(color.FgHiBlack)
)

func main() {
	headerColor.Println("🚀 Character Studio Console")
	fmt.Println("===========================")

	baseConfig, err := config.Load()
	if err != nil {
		log.Printf("❌ failed to load config: %v", err)
		return
	}

	logFile := fmt.Sprintf("%s/console_%s.log", baseConfig.LogDir, time.Now().Format("2006-01-02"))
	if err := utils.InitLogger(logFile); err != nil {
		log.Printf("⚠️ structured logging unavailable: %v", err)
	}

	studio, err := initializeEnvironment(baseConfig)
	if err != nil {
		errColor.Printf("❌ %v\n", err)
		return
	}
	defer studio.Stop()

	session := studio.CreateSession()
	dimColor.Printf("session %s\n\n", session.ID)

	for {
		showMenu(studio, session.ID)
		choice := strings.ToLower(getUserInput("> "))

		switch choice {
		case "1", "describe":
			describeCharacter(studio, session.ID)
		case "2", "wizard":
			runWizard(studio, session.ID)
		case "3", "results":
			showResults(studio, session.ID)
		case "4", "view":
			selectView(studio, session.ID)
		case "5", "download":
			downloadView(studio, session.ID)
		case "6", "all":
			downloadAll(studio, session.ID)
		case "7", "edit":
			editCharacter(studio, session.ID)
		case "8", "reset":
			if err := studio.Reset(session.ID); err != nil {
				errColor.Printf("❌ %v\n", err)
			} else {
				successColor.Println("✅ back to input mode")
			}
		case "9", "config":
			viewConfig()
		case "10", "services":
			listServices()
		case "0", "quit", "exit":
			fmt.Println("👋 bye")
			return
		default:
			warnColor.Println("unknown option")
		}
		fmt.Println()
	}
}

func showMenu(studio *services.StudioService, sessionID string) {
	mode := models.ModeInput
	if snapshot, err := studio.Snapshot(sessionID); err == nil {
		mode = snapshot.Mode
	}

	printBox(fmt.Sprintf("Character Studio [%s]", mode), strings.Join([]string{
		"1) Describe a character",
		"2) Character wizard",
		"3) Show results",
		"4) Select view",
		"5) Download view",
		"6) Download all views",
		"7) Edit character",
		"8) Reset",
		"9) Configuration",
		"10) Services",
		"0) Exit",
	}, "\n"))
}

func getUserInput(prompt string) string {
	fmt.Print(prompt)
	if !stdin.Scan() {
		return "exit"
	}
	return strings.TrimSpace(stdin.Text())
}

func getUserInputWithDefault(prompt, defaultValue string) string {
	if defaultValue != "" {
		prompt = fmt.Sprintf("%s [%s]: ", prompt, defaultValue)
	} else {
		prompt += ": "
	}
	input := getUserInput(prompt)
	if input == "" {
		return defaultValue
	}
	return input
}

// initializeEnvironment 加载配置并初始化服务（不启动 HTTP）
func initializeEnvironment(cfg *config.Config) (*services.StudioService, error) {
	fmt.Println("🔧 initialising...")

	for _, dir := range []string{cfg.DataDir, cfg.LogDir, cfg.StaticDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if err := config.InitConfig(cfg.ConfigFile); err != nil {
		return nil, fmt.Errorf("failed to initialise config: %w", err)
	}
	if err := app.InitServices(); err != nil {
		return nil, fmt.Errorf("failed to initialise services: %w", err)
	}

	studio, err := di.Resolve[*services.StudioService](di.GetContainer(), di.ServiceStudio)
	if err != nil {
		return nil, err
	}

	successColor.Println("✅ ready")
	utils.GetLogger().Info("Console studio initialised", map[string]interface{}{"data_dir": cfg.DataDir})
	return studio, nil
}

func describeCharacter(studio *services.StudioService, sessionID string) {
	description := getUserInput("Describe your character: ")
	task, err := studio.SubmitDescription(sessionID, description)
	if err != nil {
		errColor.Printf("❌ %v\n", err)
		return
	}
	waitForGeneration(task)
	showResults(studio, sessionID)
}

func runWizard(studio *services.StudioService, sessionID string) {
	for {
		state, err := studio.WizardUpdate(sessionID, func(*services.Wizard) error { return nil })
		if err != nil {
			errColor.Printf("❌ %v\n", err)
			return
		}

		headerColor.Printf("\nStep %d of %d: %s\n", state.StepNumber, state.TotalSteps, state.StepTitle)
		if _, err := studio.WizardUpdate(sessionID, func(w *services.Wizard) error {
			return fillStep(w, state)
		}); err != nil {
			errColor.Printf("❌ %v\n", err)
			return
		}

		if state.Step.IsLast() {
			task, err := studio.WizardSubmit(sessionID)
			if err != nil {
				warnColor.Printf("⚠️ %v\n", err)
				if getUserInput("Try again? [Y/n] ") == "n" {
					return
				}
				continue
			}
			waitForGeneration(task)
			showResults(studio, sessionID)
			return
		}

		_, err = studio.WizardUpdate(sessionID, func(w *services.Wizard) error {
			_, err := w.Next()
			return err
		})
		var missing *services.MissingFieldsError
		if errors.As(err, &missing) {
			warnColor.Printf("⚠️ please fill in: %s\n", strings.Join(missing.Fields, ", "))
		} else if err != nil {
			errColor.Printf("❌ %v\n", err)
			return
		}
	}
}

// fillStep 逐个输入当前步骤的字段，直接回车保留原值
func fillStep(w *services.Wizard, state models.WizardState) error {
	for _, key := range services.RequiredFields(state.Step) {
		if key == models.FieldPersonalityTraits {
			current := strings.Join(state.Data.PersonalityTraits, ", ")
			input := getUserInputWithDefault("personality traits (comma separated)", current)
			for _, trait := range strings.Split(input, ",") {
				if _, err := w.AddTrait(trait); err != nil {
					return err
				}
			}
			continue
		}

		current, _ := state.Data.Field(key)
		value := getUserInputWithDefault(strings.ReplaceAll(key, "_", " "), current)
		if err := w.SetField(key, value); err != nil {
			return err
		}
	}
	return nil
}

func editCharacter(studio *services.StudioService, sessionID string) {
	if _, err := studio.EditCharacter(sessionID); err != nil {
		errColor.Printf("❌ %v\n", err)
		return
	}
	runWizard(studio, sessionID)
}

func waitForGeneration(task *services.GenerationTask) {
	fmt.Print("⏳ generating")
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-task.Done():
			fmt.Println()
			if task.Status() == services.StatusCompleted {
				successColor.Println("✅ character generated")
			} else {
				warnColor.Printf("⚠️ generation %s\n", task.Status())
			}
			return
		case <-ticker.C:
			fmt.Print(".")
		}
	}
}

func showResults(studio *services.StudioService, sessionID string) {
	snapshot, err := studio.Snapshot(sessionID)
	if err != nil {
		errColor.Printf("❌ %v\n", err)
		return
	}
	if snapshot.Result == nil {
		warnColor.Println("no character generated yet")
		return
	}

	var lines []string
	lines = append(lines, snapshot.Result.Description, "")
	for _, image := range snapshot.Images {
		marker := "  "
		if image.Selected {
			marker = "▶ "
		}
		lines = append(lines, fmt.Sprintf("%s%s: %s", marker, image.Label, image.URL))
		if image.Selected {
			lines = append(lines, "   "+image.Caption)
		}
	}
	printBox(snapshot.Character.DisplayName(), strings.Join(lines, "\n"))
}

func readView() (models.View, bool) {
	view, err := models.ParseView(getUserInputWithDefault("view (front/side/back)", string(models.ViewFront)))
	if err != nil {
		errColor.Printf("❌ %v\n", err)
		return "", false
	}
	return view, true
}

func selectView(studio *services.StudioService, sessionID string) {
	view, ok := readView()
	if !ok {
		return
	}
	if _, err := studio.SelectView(sessionID, view); err != nil {
		errColor.Printf("❌ %v\n", err)
		return
	}
	showResults(studio, sessionID)
}

func downloadView(studio *services.StudioService, sessionID string) {
	view, ok := readView()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	image, err := studio.DownloadView(ctx, sessionID, view)
	if err != nil {
		errColor.Printf("❌ %v\n", err)
		return
	}
	successColor.Printf("✅ saved %s (%d bytes)\n", image.Path, image.Size)
}

func downloadAll(studio *services.StudioService, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	saved, err := studio.DownloadAll(ctx, sessionID)
	for _, image := range saved {
		successColor.Printf("✅ saved %s\n", image.Path)
	}
	if err != nil {
		errColor.Printf("❌ %v\n", err)
	}
}

func viewConfig() {
	cfg := config.GetCurrentConfig()

	printBox("Configuration", strings.Join([]string{
		fmt.Sprintf("port:              %s", cfg.Port),
		fmt.Sprintf("data dir:          %s", cfg.DataDir),
		fmt.Sprintf("static dir:        %s", cfg.StaticDir),
		fmt.Sprintf("log dir:           %s", cfg.LogDir),
		fmt.Sprintf("generation delay:  %s", cfg.GenerationDelay.Std()),
		fmt.Sprintf("download stagger:  %s", cfg.DownloadStagger.Std()),
		fmt.Sprintf("session ttl:       %s", cfg.SessionTTL.Std()),
		fmt.Sprintf("front image:       %s", cfg.Images.Front),
		fmt.Sprintf("side image:        %s", cfg.Images.Side),
		fmt.Sprintf("back image:        %s", cfg.Images.Back),
	}, "\n"))
}

func listServices() {
	container := di.GetContainer()
	names := container.GetNames()
	if len(names) == 0 {
		warnColor.Println("no services registered")
		return
	}

	headerColor.Println("📦 registered services:")
	for _, name := range names {
		fmt.Printf("  - %s (%T)\n", name, container.Get(name))
	}
}

func printBox(title, content string) {
	wrappedLines := wrapContentForBox(content, cliBoxMaxWidth)
	maxWidth := utf8.RuneCountInString(title)
	for _, line := range wrappedLines {
		if w := utf8.RuneCountInString(line); w > maxWidth {
			maxWidth = w
		}
	}
	border := strings.Repeat("─", maxWidth+2)
	fmt.Println("┌" + border + "┐")
	if title != "" {
		fmt.Print("│ ")
		headerColor.Print(padRight(title, maxWidth))
		fmt.Println(" │")
		fmt.Println("├" + border + "┤")
	}
	for _, line := range wrappedLines {
		fmt.Printf("│ %s │\n", padRight(line, maxWidth))
	}
	fmt.Println("└" + border + "┘")
}

func wrapContentForBox(content string, maxWidth int) []string {
	var result []string
	for _, rawLine := range strings.Split(content, "\n") {
		runes := []rune(strings.TrimRight(rawLine, " "))
		for len(runes) > maxWidth {
			result = append(result, string(runes[:maxWidth]))
			runes = runes[maxWidth:]
		}
		result = append(result, string(runes))
	}
	return result
}

func padRight(text string, width int) string {
	current := utf8.RuneCountInString(text)
	if current >= width {
		return text
	}
	return text + strings.Repeat(" ", width-current)
}
