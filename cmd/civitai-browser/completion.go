package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
)

func handleCompletion(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("completion", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: civitai-browser completion [bash|zsh|fish]")
	}
	switch shell := fs.Arg(0); shell {
	case "bash":
		fmt.Fprint(stdout, bashCompletion)
	case "zsh":
		fmt.Fprint(stdout, zshCompletion)
	case "fish":
		fmt.Fprint(stdout, fishCompletion)
	default:
		return fmt.Errorf("unknown shell: %s", shell)
	}
	return nil
}

const bashCompletion = `# bash completion for civitai-browser
_civitai_browser_completions()
{
    local cur prev words cword
    _init_completion || return
    local cmds="search model basemodels geninfo download queue scan installed delete save-info save-images subfolders settings config doctor verify status tui completion version help"
    local common="--config --log-level --json"
    if [[ ${cword} -eq 1 ]]; then
        COMPREPLY=( $(compgen -W "${cmds}" -- "$cur") )
        return
    fi
    case ${words[1]} in
        search)
            COMPREPLY=( $(compgen -W "${common} --by --type --sort --period --base --nsfw --liked --hide-installed --by-date --page --limit" -- "$cur") ) ;;
        model)
            COMPREPLY=( $(compgen -W "${common} --version --file --subfolder --probe" -- "$cur") ) ;;
        download)
            COMPREPLY=( $(compgen -W "${common} --version --file --subfolder --save-info" -- "$cur") ) ;;
        queue)
            if [[ ${cword} -eq 2 ]]; then
                COMPREPLY=( $(compgen -W "list add remove move cancel cancel-all run export" -- "$cur") )
            else
                COMPREPLY=( $(compgen -W "${common} --version --file --subfolder --save-info --batch --history --out" -- "$cur") )
            fi ;;
        scan)
            COMPREPLY=( $(compgen -W "${common} --mode --type --overwrite --skip-hash --html --workers --quiet" -- "$cur") ) ;;
        installed)
            COMPREPLY=( $(compgen -W "${common} --type --filter --outdated" -- "$cur") ) ;;
        subfolders)
            COMPREPLY=( $(compgen -W "${common} --type --desc" -- "$cur") ) ;;
        settings)
            if [[ ${cword} -eq 2 ]]; then
                COMPREPLY=( $(compgen -W "show save subfolder" -- "$cur") )
            else
                COMPREPLY=( $(compgen -W "${common} list add remove update format --search-type --types --period --sort --base --save-info --by-date --liked --hide-installed --nsfw --tile-size --tile-count" -- "$cur") )
            fi ;;
        config)
            COMPREPLY=( $(compgen -W "validate print init clear-cache ${common} --out" -- "$cur") ) ;;
        verify)
            COMPREPLY=( $(compgen -W "${common} --type --only-errors" -- "$cur") ) ;;
        doctor)
            COMPREPLY=( $(compgen -W "${common} --fix --verbose" -- "$cur") ) ;;
        status)
            COMPREPLY=( $(compgen -W "${common} --recent" -- "$cur") ) ;;
        tui)
            COMPREPLY=( $(compgen -W "${common} --alt-screen" -- "$cur") ) ;;
        completion)
            COMPREPLY=( $(compgen -W "bash zsh fish" -- "$cur") ) ;;
        *)
            COMPREPLY=( $(compgen -W "${common}" -- "$cur") ) ;;
    esac
}
complete -F _civitai_browser_completions civitai-browser
`

const zshCompletion = `#compdef civitai-browser
# zsh completion for civitai-browser (basic)
_civitai_browser() {
  local -a cmds
  cmds=(search model basemodels geninfo download queue scan installed delete save-info save-images subfolders settings config doctor verify status tui completion version help)
  if (( CURRENT == 2 )); then
    _describe 'command' cmds
    return
  fi
  case $words[2] in
    search)
      _arguments '*:options:(--config --log-level --json --by --type --sort --period --base --nsfw --liked --hide-installed --by-date --page --limit)'
      ;;
    model|download)
      _arguments '*:options:(--config --log-level --json --version --file --subfolder --save-info)'
      ;;
    queue)
      _arguments '*:options:(list add remove move cancel cancel-all run export --config --batch --history --out)'
      ;;
    scan)
      _arguments '*:options:(--config --log-level --json --mode --type --overwrite --skip-hash --html --workers --quiet)'
      ;;
    installed)
      _arguments '*:options:(--config --log-level --json --type --filter --outdated)'
      ;;
    settings)
      _arguments '*:options:(show save subfolder --config --search-type --types --period --sort --base --save-info --by-date --liked --hide-installed --nsfw --tile-size --tile-count)'
      ;;
    config)
      _arguments '*:options:(validate print init clear-cache --config --out)'
      ;;
    completion)
      _arguments '*:options:(bash zsh fish)'
      ;;
    *)
      _arguments '*:options:(--config --log-level --json)'
      ;;
  esac
}
compdef _civitai_browser civitai-browser
`

const fishCompletion = `# fish completion for civitai-browser
complete -c civitai-browser -f -n "__fish_use_subcommand" -a "search" -d "search models"
complete -c civitai-browser -f -n "__fish_use_subcommand" -a "model" -d "model details"
complete -c civitai-browser -f -n "__fish_use_subcommand" -a "basemodels" -d "base model filter values"
complete -c civitai-browser -f -n "__fish_use_subcommand" -a "geninfo" -d "image generation info"
complete -c civitai-browser -f -n "__fish_use_subcommand" -a "download" -d "download a model file"
complete -c civitai-browser -f -n "__fish_use_subcommand" -a "queue" -d "download queue"
complete -c civitai-browser -f -n "__fish_use_subcommand" -a "scan" -d "scan the library"
complete -c civitai-browser -f -n "__fish_use_subcommand" -a "installed" -d "installed models"
complete -c civitai-browser -f -n "__fish_use_subcommand" -a "delete" -d "delete a model file"
complete -c civitai-browser -f -n "__fish_use_subcommand" -a "save-info" -d "write model info"
complete -c civitai-browser -f -n "__fish_use_subcommand" -a "save-images" -d "download preview images"
complete -c civitai-browser -f -n "__fish_use_subcommand" -a "subfolders" -d "list subfolders"
complete -c civitai-browser -f -n "__fish_use_subcommand" -a "settings" -d "browser defaults"
complete -c civitai-browser -f -n "__fish_use_subcommand" -a "config" -d "config ops"
complete -c civitai-browser -f -n "__fish_use_subcommand" -a "doctor" -d "diagnostics"
complete -c civitai-browser -f -n "__fish_use_subcommand" -a "verify" -d "verify installed files"
complete -c civitai-browser -f -n "__fish_use_subcommand" -a "status" -d "show status"
complete -c civitai-browser -f -n "__fish_use_subcommand" -a "tui" -d "terminal browser"
complete -c civitai-browser -f -n "__fish_use_subcommand" -a "version" -d "print version"
complete -c civitai-browser -f -n "__fish_use_subcommand" -a "completion" -d "shell completions"
complete -c civitai-browser -n "__fish_seen_subcommand_from queue" -a "list add remove move cancel cancel-all run export"
complete -c civitai-browser -n "__fish_seen_subcommand_from settings" -a "show save subfolder"
complete -c civitai-browser -n "__fish_seen_subcommand_from config" -a "validate print init clear-cache"

# Common flags
for cmd in search model basemodels geninfo download queue scan installed delete save-info save-images subfolders settings config doctor verify status tui
  complete -c civitai-browser -n "__fish_seen_subcommand_from $cmd" -l config -d "Path to config"
  complete -c civitai-browser -n "__fish_seen_subcommand_from $cmd" -l log-level -d "Log level"
  complete -c civitai-browser -n "__fish_seen_subcommand_from $cmd" -l json -d "JSON output"
end
complete -c civitai-browser -n "__fish_seen_subcommand_from search" -l by -d "name|user|tag"
complete -c civitai-browser -n "__fish_seen_subcommand_from search" -l type -d "Content types"
complete -c civitai-browser -n "__fish_seen_subcommand_from search" -l sort -d "Sort order"
complete -c civitai-browser -n "__fish_seen_subcommand_from search" -l period -d "Time period"
complete -c civitai-browser -n "__fish_seen_subcommand_from search" -l base -d "Base models"
complete -c civitai-browser -n "__fish_seen_subcommand_from search" -l page -d "Page number"
complete -c civitai-browser -n "__fish_seen_subcommand_from download model" -l version -d "Version name or ID"
complete -c civitai-browser -n "__fish_seen_subcommand_from download model" -l file -d "File name"
complete -c civitai-browser -n "__fish_seen_subcommand_from download model" -l subfolder -d "Install subfolder"
complete -c civitai-browser -n "__fish_seen_subcommand_from scan" -l mode -d "updates|installed|info|previews|organize"
complete -c civitai-browser -n "__fish_seen_subcommand_from scan" -l type -d "Content types"
complete -c civitai-browser -n "__fish_seen_subcommand_from scan" -l overwrite -d "Rewrite existing files"
complete -c civitai-browser -n "__fish_seen_subcommand_from installed" -l filter -d "Fuzzy filter"
complete -c civitai-browser -n "__fish_seen_subcommand_from installed" -l outdated -d "Only outdated"
`
