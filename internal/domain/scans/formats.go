package scans

import (
    "encoding/json"
    "fmt"
    "strings"
)

// ParseIssues maps one tool's raw output into canonical issues. Paths are
// returned as the tool printed them; fingerprints are not set yet.
func ParseIssues(tool Tool, raw []byte) ([]Issue, error) {
    if len(strings.TrimSpace(string(raw))) == 0 {
        return nil, nil
    }
    switch tool {
    case ToolPylint:
        return parsePylintJSON(raw)
    case ToolESLint:
        return parseESLintJSON(raw)
    case ToolGitleaks:
        return parseGitleaksJSON(raw)
    case ToolSARIF:
        return parseSARIF(raw)
    default:
        return nil, fmt.Errorf("unsupported tool: %s", tool)
    }
}

func parsePylintJSON(raw []byte) ([]Issue, error) {
    var arr []struct {
        Type    string `json:"type"`
        Path    string `json:"path"`
        Line    int    `json:"line"`
        EndLine *int   `json:"endLine"`
        Symbol  string `json:"symbol"`
        MsgID   string `json:"message-id"`
        Message string `json:"message"`
    }
    if err := json.Unmarshal(raw, &arr); err != nil {
        return nil, fmt.Errorf("pylint output: %w", err)
    }
    out := make([]Issue, 0, len(arr))
    for _, m := range arr {
        rule := m.Symbol
        if rule == "" {
            rule = m.MsgID
        }
        var sev Severity
        switch strings.ToLower(m.Type) {
        case "fatal", "error":
            sev = SeverityHigh
        case "warning":
            sev = SeverityMedium
        case "convention", "refactor":
            sev = SeverityLow
        default:
            sev = SeverityInfo
        }
        end := m.Line
        if m.EndLine != nil && *m.EndLine >= m.Line {
            end = *m.EndLine
        }
        out = append(out, Issue{
            Path: m.Path, StartLine: m.Line, EndLine: end,
            RuleID: rule, Severity: sev, Message: m.Message, Tool: ToolPylint,
        })
    }
    return out, nil
}

func parseESLintJSON(raw []byte) ([]Issue, error) {
    var files []struct {
        FilePath string `json:"filePath"`
        Messages []struct {
            RuleID   *string `json:"ruleId"`
            Severity int     `json:"severity"`
            Message  string  `json:"message"`
            Line     int     `json:"line"`
            EndLine  int     `json:"endLine"`
        } `json:"messages"`
    }
    if err := json.Unmarshal(raw, &files); err != nil {
        return nil, fmt.Errorf("eslint output: %w", err)
    }
    var out []Issue
    for _, f := range files {
        for _, m := range f.Messages {
            // parse errors come without a rule id
            rule := "parse-error"
            if m.RuleID != nil {
                rule = *m.RuleID
            }
            sev := SeverityLow
            if m.Severity >= 2 {
                sev = SeverityMedium
            }
            end := m.EndLine
            if end < m.Line {
                end = m.Line
            }
            out = append(out, Issue{
                Path: f.FilePath, StartLine: m.Line, EndLine: end,
                RuleID: rule, Severity: sev, Message: m.Message, Tool: ToolESLint,
            })
        }
    }
    return out, nil
}

func parseGitleaksJSON(raw []byte) ([]Issue, error) {
    var arr []struct {
        Description string `json:"Description"`
        StartLine   int    `json:"StartLine"`
        EndLine     int    `json:"EndLine"`
        File        string `json:"File"`
        RuleID      string `json:"RuleID"`
    }
    if err := json.Unmarshal(raw, &arr); err != nil {
        return nil, fmt.Errorf("gitleaks report: %w", err)
    }
    out := make([]Issue, 0, len(arr))
    for _, l := range arr {
        end := l.EndLine
        if end < l.StartLine {
            end = l.StartLine
        }
        // the secret itself is never copied into the issue
        out = append(out, Issue{
            Path: l.File, StartLine: l.StartLine, EndLine: end,
            RuleID: l.RuleID, Severity: SeverityHigh, Message: l.Description, Tool: ToolGitleaks,
        })
    }
    return out, nil
}

func parseSARIF(raw []byte) ([]Issue, error) {
    var doc struct {
        Runs []struct {
            Results []struct {
                RuleID  string `json:"ruleId"`
                Level   string `json:"level"`
                Message struct {
                    Text string `json:"text"`
                } `json:"message"`
                Locations []struct {
                    PhysicalLocation struct {
                        ArtifactLocation struct {
                            URI string `json:"uri"`
                        } `json:"artifactLocation"`
                        Region struct {
                            StartLine int `json:"startLine"`
                            EndLine   int `json:"endLine"`
                        } `json:"region"`
                    } `json:"physicalLocation"`
                } `json:"locations"`
                Properties map[string]any `json:"properties"`
            } `json:"results"`
        } `json:"runs"`
    }
    if err := json.Unmarshal(raw, &doc); err != nil {
        return nil, fmt.Errorf("sarif output: %w", err)
    }
    var out []Issue
    for _, run := range doc.Runs {
        for _, r := range run.Results {
            var sev string
            if r.Properties != nil {
                if v, ok := r.Properties["severity"].(string); ok {
                    sev = v
                } else if v, ok := r.Properties["Severity"].(string); ok {
                    sev = v
                }
            }
            if sev == "" {
                switch strings.ToLower(r.Level) {
                case "error":
                    sev = "high"
                case "warning":
                    sev = "medium"
                case "note":
                    sev = "low"
                default:
                    sev = "info"
                }
            }
            is := Issue{RuleID: r.RuleID, Severity: ParseSeverity(sev), Message: r.Message.Text, Tool: ToolSARIF}
            if len(r.Locations) > 0 {
                loc := r.Locations[0].PhysicalLocation
                is.Path = strings.TrimPrefix(loc.ArtifactLocation.URI, "file://")
                is.StartLine = loc.Region.StartLine
                is.EndLine = loc.Region.EndLine
                if is.EndLine < is.StartLine {
                    is.EndLine = is.StartLine
                }
            }
            out = append(out, is)
        }
    }
    return out, nil
}
